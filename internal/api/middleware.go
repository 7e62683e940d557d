package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID honours an incoming X-Request-ID and mints a uuid otherwise.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("http request", fields...)
				return
			}
			logger.Info("http request", fields...)
		})
	}
}

// routePattern labels metrics by chi route so path parameters stay out of
// label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

const maxRateLimitClients = 10000

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	rate       rate.Limit
	burst      int
	maxClients int
	now        func() time.Time
	logger     *zap.Logger
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int, logger *zap.Logger) *rateLimiter {
	return &rateLimiter{
		clients:    make(map[string]*client),
		rate:       rate.Limit(rps),
		burst:      burst,
		maxClients: maxRateLimitClients,
		now:        time.Now,
		logger:     logger,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if c, ok := rl.clients[key]; ok {
		c.lastSeen = now
		return c.limiter
	}
	if len(rl.clients) >= rl.maxClients {
		rl.evict(now)
	}
	c := &client{limiter: rate.NewLimiter(rl.rate, rl.burst), lastSeen: now}
	rl.clients[key] = c
	return c.limiter
}

// evict drops clients idle long enough for their bucket to be full again,
// then the least recently seen client if the table is still at capacity.
// Callers hold rl.mu.
func (rl *rateLimiter) evict(now time.Time) {
	refill := time.Second
	if rl.rate > 0 {
		refill = time.Duration(float64(rl.burst) / float64(rl.rate) * float64(time.Second))
	}
	var oldestKey string
	var oldest time.Time
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) >= refill {
			delete(rl.clients, key)
			continue
		}
		if oldestKey == "" || c.lastSeen.Before(oldest) {
			oldestKey, oldest = key, c.lastSeen
		}
	}
	if len(rl.clients) >= rl.maxClients && oldestKey != "" {
		delete(rl.clients, oldestKey)
	}
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !rl.limiter(key).Allow() {
			rl.logger.Info("rate limit exceeded",
				zap.String("client", key),
				zap.String("path", r.URL.Path),
				zap.String("request_id", RequestID(r.Context())),
			)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
