package middleware

import (
	"net/http"

	"wind-telemetry-platform/shared/httpx"
)

// RequireMiddleware answers 503 while a named backing service is missing.
type RequireMiddleware struct {
	Name      string
	Available bool
	Skip      func(*http.Request) bool
}

func (m RequireMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Available {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", m.Name+" not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
