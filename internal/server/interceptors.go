package server

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// withMiddleware wraps h with request logging and panic recovery.
func withMiddleware(log *slog.Logger, h http.Handler) http.Handler {
	return loggingMiddleware(log, recoveryMiddleware(log, h))
}

// loggingMiddleware logs every request with its path and duration. Log
// level is Info for handlers that complete normally; a recovered panic is
// logged separately by recoveryMiddleware at Error level.
func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("request completed",
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// recoveryMiddleware recovers from panics in next, logging the panic
// value and stack trace at Error level and returning 500 to the client
// instead of crashing the process.
func recoveryMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.Error("panic recovered in http handler",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(buf[:n])),
				)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
