// Package middleware holds the HTTP middleware shared by the matching
// service: request ids, Prometheus instrumentation and request deadlines.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
)

// Router resolves the pattern a request will be dispatched to.
// *http.ServeMux satisfies it.
type Router interface {
	Handler(r *http.Request) (http.Handler, string)
}

const unmatchedRoute = "unmatched"

// Metrics instruments requests, labelling them by the route pattern the
// router matches so path parameters never become label values.
func Metrics(m *metrics.Metrics, router Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeOf(router, r)
			m.HTTPRequestsInFlight.Inc()
			rec := &recorder{ResponseWriter: w}
			start := time.Now()
			defer func() {
				m.HTTPRequestsInFlight.Dec()
				m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.code())).Inc()
				m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// routeOf strips the method prefix from a Go 1.22 pattern; the method is
// already its own label.
func routeOf(router Router, r *http.Request) string {
	_, pattern := router.Handler(r)
	if pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

type recorder struct {
	http.ResponseWriter
	status int
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

func (rec *recorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}
