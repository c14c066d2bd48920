// Package shield provides the HTTP middleware in front of the bookferry
// admin API: security headers, body limits, request tracing, HEAD handling
// and bearer-token checks on mutating routes.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.AdminStack(logger, 1<<20) {
//	    r.Use(mw)
//	}
//	r.With(shield.RequireToken(token)).Post("/trigger", h)
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the request trace id.
	TraceIDKey contextKey = "shield_trace_id"
)

// AdminStack returns the standard middleware for the admin API, ordered
// HeadToGet, SecurityHeaders, MaxBody, TraceID.
func AdminStack(logger *slog.Logger, maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(maxBody),
		TraceID(logger),
	}
}
