package middleware

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestNewTrustedProxies(t *testing.T) {
	trusted, invalid := NewTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.7 ", "", "not-an-ip", "2001:db8::/32"})
	if len(trusted) != 3 {
		t.Fatalf("trusted = %v, want 3 prefixes", trusted)
	}
	if !reflect.DeepEqual(invalid, []string{"not-an-ip"}) {
		t.Fatalf("invalid = %v, want [not-an-ip]", invalid)
	}
	for ip, want := range map[string]bool{
		"10.1.2.3":        true,
		"192.0.2.7":       true,
		"192.0.2.8":       false,
		"2001:db8::":      true,
		"::ffff:10.0.0.1": true,
		"garbage":         false,
	} {
		if got := trusted.contains(ip); got != want {
			t.Fatalf("contains(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestRealIP(t *testing.T) {
	trusted, _ := NewTrustedProxies([]string{"10.0.0.0/8"})
	tests := []struct {
		name       string
		trusted    TrustedProxies
		remoteAddr string
		forwarded  []string
		realIP     string
		want       string
	}{
		{
			name:       "untrusted peer keeps socket address",
			trusted:    trusted,
			remoteAddr: "203.0.113.5:1000",
			forwarded:  []string{"192.0.2.1"},
			want:       "203.0.113.5",
		},
		{
			name:       "no trusted proxies configured",
			remoteAddr: "10.0.0.2:1000",
			forwarded:  []string{"192.0.2.1"},
			want:       "10.0.0.2",
		},
		{
			name:       "trusted proxy forwards client",
			trusted:    trusted,
			remoteAddr: "10.0.0.2:1000",
			forwarded:  []string{"192.0.2.1"},
			want:       "192.0.2.1",
		},
		{
			name:       "spoofed left-most hop ignored",
			trusted:    trusted,
			remoteAddr: "10.0.0.2:1000",
			forwarded:  []string{"198.51.100.66, 192.0.2.1, 10.0.0.9"},
			want:       "192.0.2.1",
		},
		{
			name:       "repeated headers read in order",
			trusted:    trusted,
			remoteAddr: "10.0.0.2:1000",
			forwarded:  []string{"198.51.100.66", "192.0.2.1"},
			want:       "192.0.2.1",
		},
		{
			name:       "malformed hop stops the walk",
			trusted:    trusted,
			remoteAddr: "10.0.0.2:1000",
			forwarded:  []string{"192.0.2.1, bogus"},
			want:       "10.0.0.2",
		},
		{
			name:       "x-real-ip fallback",
			trusted:    trusted,
			remoteAddr: "10.0.0.2:1000",
			realIP:     "192.0.2.9",
			want:       "192.0.2.9",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := RealIP(tc.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			for _, v := range tc.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("ClientIP after RealIP = %q, want %q", got, tc.want)
			}
		})
	}
}
