package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPMetrics is implemented by metrics.Recorder.
type HTTPMetrics interface {
	HTTPStarted()
	HTTPFinished(method, route string, status int, d time.Duration)
}

// Metrics tracks request count, latency and in-flight requests. The route
// label is the chi pattern so ids don't explode cardinality.
func Metrics(m HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPStarted()
			wrapped := wrapWriter(w)

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			m.HTTPFinished(r.Method, route, wrapped.statusCode, time.Since(start))
		})
	}
}
