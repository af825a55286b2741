package auth

import (
	"log/slog"
	"net/http"
)

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// CookieName is the cookie consulted for a token. Default: "session-token".
	CookieName string

	// Required rejects requests whose credentials do not authenticate.
	// When false, bad or missing credentials continue as anonymous.
	Required bool

	// Logger receives warnings about rejected credentials.
	Logger *slog.Logger
}

// Middleware resolves request credentials through provider before the
// WebSocket upgrade and stores the resulting Context on the request context.
func Middleware(provider Provider, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "session-token"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, cfg.CookieName)
			if provider == nil || token == "" {
				if cfg.Required {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), Anonymous())))
				return
			}

			ac, err := provider.Authenticate(r.Context(), Credentials{Token: token})
			if err != nil || !ac.IsAuthenticated() {
				logger.Warn("credentials rejected", "remote_addr", r.RemoteAddr, "error", err)
				if cfg.Required {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				ac = Anonymous()
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
		})
	}
}
