package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agelapse-dev/agelapse/pkg/observability"
)

// metricsMiddleware records request counts and latency per route
// pattern, so session IDs and artifact handles don't explode the label
// space.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		observability.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(start))
	})
}
