package errors

import (
	"log/slog"
	"net/http"
)

// RecoveryMiddleware provides panic recovery with proper error responses
func RecoveryMiddleware(handler *ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					handler.HandlePanic(w, r, err)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LogHandlerError is a convenience for handlers that only log a failure
// after the response has already been written.
func LogHandlerError(logger *slog.Logger, r *http.Request, msg string, err error) {
	if err == nil {
		return
	}
	logger.WarnContext(r.Context(), msg,
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path))
}
