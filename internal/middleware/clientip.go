package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies lists the networks whose forwarding headers are believed.
type TrustedProxies []netip.Prefix

// NewTrustedProxies parses CIDRs and bare addresses. Invalid entries are
// skipped and returned so the caller can log them.
func NewTrustedProxies(list []string) (TrustedProxies, []string) {
	var (
		out     TrustedProxies
		invalid []string
	)
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(raw); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		invalid = append(invalid, raw)
	}
	return out, invalid
}

func (t TrustedProxies) contains(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range t {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// RealIP rewrites RemoteAddr to the original client when the request came
// through a trusted proxy. The client is the right-most X-Forwarded-For hop
// that is not itself trusted; X-Real-IP is the fallback. Requests from other
// peers keep their socket address whatever headers they send.
func RealIP(trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trusted) > 0 && trusted.contains(ClientIP(r)) {
				if ip := forwardedClient(r, trusted); ip != "" {
					_, port, err := net.SplitHostPort(r.RemoteAddr)
					if err != nil {
						port = "0"
					}
					r.RemoteAddr = net.JoinHostPort(ip, port)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted TrustedProxies) string {
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			return ""
		}
		if !trusted.contains(hop) {
			return hop
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	return ""
}

// ClientIP returns the host of r.RemoteAddr. Forwarding headers are not read
// here; RealIP has already folded a trusted proxy's client into RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
