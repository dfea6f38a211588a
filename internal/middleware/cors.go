package middleware

import (
	"net/http"
	"strings"
)

// Origins is an allow-list of browser origins. An empty list allows none
// cross-origin; same-origin requests never carry a foreign Origin.
type Origins map[string]struct{}

func NewOrigins(list []string) Origins {
	allow := make(Origins, len(list))
	for _, origin := range list {
		allow[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return allow
}

func (o Origins) Allowed(origin string) bool {
	if _, ok := o["*"]; ok {
		return true
	}
	_, ok := o[strings.TrimRight(origin, "/")]
	return ok
}

// CheckOrigin is shaped for websocket.Upgrader.CheckOrigin. Requests without
// an Origin header or from the serving host are accepted.
func (o Origins) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host {
		return true
	}
	return o.Allowed(origin)
}

func CORS(origins Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins.Allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Locale, X-Request-ID, "+SessionHeader)
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, "+SessionHeader)
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
