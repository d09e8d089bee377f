// Package shield holds the HTTP middleware shared by the mailkit API:
// security headers, request tracing with a per-request logger, body
// limits and a per-client rate limit for expensive routes.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(logger, 10<<20) {
//	    r.Use(mw)
//	}
//	r.With(shield.NewRateLimiter(10, time.Minute).Middleware).Put("/owners/{owner}/templates/{slot}", save)
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the middleware applied to every mailkit route, in
// order: HeadToGet, SecurityHeaders, MaxBody, Trace.
func DefaultStack(logger *slog.Logger, maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		Trace(logger),
	}
}

// HeadToGet lets r.Get routes answer HEAD; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
