package middleware

import (
	"net/http"
	"strings"

	"wind-telemetry-platform/shared/authx"
	"wind-telemetry-platform/shared/httpx"
)

const RoleOperator = "telemetry:operator"

type AuthMiddleware struct {
	Verifier *authx.JWTVerifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		auth, err := m.Verifier.Verify(r.Context(), strings.TrimSpace(authHeader[len("bearer "):]))
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
	})
}

// RequireRole guards mutating routes such as import triggers.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		if !auth.HasRole(role) {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "role "+role+" required", nil)
			return
		}
		next(w, r)
	}
}
