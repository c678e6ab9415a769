package auth

import (
	"log/slog"
	"net/http"
)

// DevModeMiddleware injects a synthetic admin Principal with every scope.
// Use only when AUTH_ENABLED=false.
func DevModeMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	logger.Warn("DEV MODE: authentication disabled, all requests get an admin principal")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &Principal{
				Sub: "dev-user",
				Scopes: map[string]bool{
					ScopeTrigger: true,
					ScopeLock:    true,
					ScopeEvents:  true,
				},
				Roles:    map[string]bool{RoleAdmin: true},
				ClientID: "dev",
				Issuer:   "dev",
				Email:    "dev@gdr.local",
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
