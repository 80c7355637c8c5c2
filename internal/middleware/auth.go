package middleware

import (
	"context"
	"log/slog"
	"net/http"
)

// Headers identifying the caller
const (
	APIKeyHeader = "X-API-Key"
	UserHeader   = "X-LabKey-User"
)

// GuestUser is the user of unauthenticated requests
const GuestUser = "guest"

type userKey struct{}

// WithUser stores the acting user in the context
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// GetUser returns the acting user, or GuestUser
func GetUser(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return GuestUser
}

// APIKeyAuth resolves the acting user. When validKeys is empty every request
// is accepted and the user comes from the X-LabKey-User header. Otherwise an
// X-API-Key header (or api_key query parameter) naming a configured key is
// required and the key's user is used.
func APIKeyAuth(logger *slog.Logger, validKeys map[string]string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if len(validKeys) == 0 {
				next.ServeHTTP(w, r.WithContext(WithUser(ctx, r.Header.Get(UserHeader))))
				return
			}

			apiKey := r.Header.Get(APIKeyHeader)
			if apiKey == "" {
				apiKey = r.URL.Query().Get("api_key")
			}
			if apiKey == "" {
				logger.WarnContext(ctx, "missing API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeProblem(w, http.StatusUnauthorized, "/errors/unauthorized",
					"Unauthorized", "API key required", traceIDOf(ctx))
				return
			}

			user, valid := validKeys[apiKey]
			if !valid {
				logger.WarnContext(ctx, "invalid API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeProblem(w, http.StatusUnauthorized, "/errors/unauthorized",
					"Unauthorized", "Invalid API key", traceIDOf(ctx))
				return
			}

			logger.DebugContext(ctx, "API key authentication successful", "user", user)
			next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
		})
	}
}
