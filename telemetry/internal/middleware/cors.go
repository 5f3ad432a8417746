package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSMiddleware lets the monitoring dashboard call the API from its own
// origin. An empty AllowedOrigins list disables cross-origin access.
type CORSMiddleware struct {
	AllowedOrigins []string
	MaxAge         time.Duration
	Skip           func(*http.Request) bool
}

var (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, X-Tenant-ID, X-Tenant-Slug"
)

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if !m.allowed(origin) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			if m.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(m.MaxAge.Seconds())))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m CORSMiddleware) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range m.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
