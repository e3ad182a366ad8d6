// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/histq/histq/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/store_jobs/"):
		return "/api/store_jobs/:id"
	case strings.HasPrefix(path, "/api/historical_results/record/"):
		return "/api/historical_results/record/:id"
	case strings.HasPrefix(path, "/api/historical_results/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/historical_results/"), "/")
		if len(parts) >= 2 {
			return "/api/historical_results/:query_id/:filetype"
		}
		return "/api/historical_results/:query_id"
	default:
		return path
	}
}
