package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/mailkit/kit"
)

// Trace assigns each request a random trace id, exposes it as X-Trace-ID,
// stores it with kit.WithTraceID and attaches a request-scoped logger
// derived from base (slog.Default when nil).
func Trace(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parent := base
			if parent == nil {
				parent = slog.Default()
			}
			id := make([]byte, 6)
			rand.Read(id)
			traceID := hex.EncodeToString(id)

			w.Header().Set("X-Trace-ID", traceID)
			logger := parent.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx := kit.WithTraceID(r.Context(), traceID)
			ctx = context.WithValue(ctx, LoggerKey, logger)

			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.Info("request", "duration", time.Since(start))
		})
	}
}

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
