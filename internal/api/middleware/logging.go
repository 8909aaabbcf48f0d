// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type holderKey struct{}

// requestNote is filled in by later middleware so the request log line can
// name the caller after the handler returns.
type requestNote struct {
	principalID string
}

func noteFrom(ctx context.Context) *requestNote {
	n, _ := ctx.Value(holderKey{}).(*requestNote)
	return n
}

// RequestLogger returns a middleware that logs HTTP requests.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			note := &requestNote{}
			r = r.WithContext(context.WithValue(r.Context(), holderKey{}, note))

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}
				if note.principalID != "" {
					attrs = append(attrs, "principal_id", note.principalID)
				}
				logger.Info("request completed", attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
