package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/logger"
)

const timeoutBody = `{"error":"request timeout"}`

// Timeout gives each request a deadline. A handler that has not started its
// response by then is answered with 504 and its later writes are discarded.
// Requests for which exempt returns true run without a deadline.
func Timeout(timeout time.Duration, exempt ...func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skip := range exempt {
				if skip(r) {
					next.ServeHTTP(w, r)
					return
				}
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			gw := &guardedWriter{w: w}
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				next.ServeHTTP(gw, r.WithContext(ctx))
			}()

			select {
			case <-finished:
				return
			case <-ctx.Done():
			}
			if gw.expire() {
				logger.FromContext(ctx).Warn("request deadline exceeded",
					"method", r.Method, "path", r.URL.Path, "timeout", timeout)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGatewayTimeout)
				_, _ = w.Write([]byte(timeoutBody))
			}
		})
	}
}

// PathPrefix exempts requests whose path starts with prefix.
func PathPrefix(prefix string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, prefix)
	}
}

// guardedWriter lets either the handler or the timeout path own the
// response, never both. The handler's headers are staged in h and copied
// across when it starts writing.
type guardedWriter struct {
	w       http.ResponseWriter
	h       http.Header
	mu      sync.Mutex
	started bool
	expired bool
}

func (g *guardedWriter) Header() http.Header {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.h == nil {
		g.h = make(http.Header)
	}
	return g.h
}

// start must be called with mu held.
func (g *guardedWriter) start() {
	if g.started {
		return
	}
	g.started = true
	dst := g.w.Header()
	for k, v := range g.h {
		dst[k] = v
	}
}

// expire claims the response for the timeout path. It fails when the handler
// already started writing.
func (g *guardedWriter) expire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return false
	}
	g.expired = true
	return true
}

func (g *guardedWriter) WriteHeader(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return
	}
	g.start()
	g.w.WriteHeader(code)
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return 0, http.ErrHandlerTimeout
	}
	g.start()
	return g.w.Write(b)
}
