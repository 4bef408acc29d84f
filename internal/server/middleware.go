package server

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"
)

func (s *service) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Critical(r.Context(), "panic serving request",
					slog.F("path", r.URL.Path),
					slog.F("panic", fmt.Sprint(rec)))
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request and feeds the HTTP metrics. The
// route label is chi's pattern so ids never become label values.
func (s *service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		took := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.engine.Metrics.Request(r.Method, route, status, took)
		logger := s.logger.With(
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.F("status", status),
			slog.F("duration", took),
			slog.F("request_id", middleware.GetReqID(r.Context())),
		)
		switch {
		case status >= http.StatusInternalServerError:
			logger.Warn(r.Context(), "request")
		case strings.HasSuffix(route, "/health") || strings.HasSuffix(route, "/metrics"):
			logger.Debug(r.Context(), "request")
		default:
			logger.Info(r.Context(), "request")
		}
	})
}

// newKeyRateLimit bounds unauthenticated key creation and token exchange per
// client IP. A non-positive limit disables it.
func newKeyRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests, try again later", nil))
		}),
	)
}

// limitKeyRoutes applies limit to key creation and token exchange only.
func limitKeyRoutes(basePath string, limit func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	keys := path.Join("/", basePath, "keys")
	token := path.Join("/", basePath, "auth", "token")
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && (r.URL.Path == keys || r.URL.Path == token) {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	callerIdle     = 10 * time.Minute
	callerPruneMin = 1024
)

// callerLimiter keeps one token bucket per API key.
type callerLimiter struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*callerBucket
	now     func() time.Time
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(perMinute int) *callerLimiter {
	return &callerLimiter{
		perMinute: perMinute,
		buckets:   map[string]*callerBucket{},
		now:       time.Now,
	}
}

func (c *callerLimiter) Allow(caller string) bool {
	if c == nil || c.perMinute <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	b, ok := c.buckets[caller]
	if !ok {
		if len(c.buckets) >= callerPruneMin {
			c.prune(now)
		}
		b = &callerBucket{limiter: rate.NewLimiter(rate.Limit(float64(c.perMinute)/60.0), c.perMinute)}
		c.buckets[caller] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (c *callerLimiter) prune(now time.Time) {
	for k, b := range c.buckets {
		if now.Sub(b.lastSeen) > callerIdle {
			delete(c.buckets, k)
		}
	}
}
