package xhttp

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

const slowThreshold = 500 * time.Millisecond

var skipPaths = []string{"/api/v1/health", "/metrics"}

type MiddlewareFunc func(next RequestHandler) RequestHandler
type RequestCtx = fasthttp.RequestCtx
type RequestHandler = fasthttp.RequestHandler

func TimeoutMiddleware(timeout time.Duration) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return fasthttp.TimeoutWithCodeHandler(next, timeout, StatusText(StatusRequestTimeout), StatusRequestTimeout)
	}
}

func RecoverMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		defer func() {
			if err := recover(); err != nil {
				denyJSON(ctx, StatusInternalServerError, `{"error":"Internal server error"}`)
				logger.Error("[xhttp] panic recovered", "error", err, "path", string(ctx.Path()))
			}
		}()
		next(ctx)
	}
}

func RequestLoggerMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		path := string(ctx.Path())
		if shouldSkip(path) {
			next(ctx)
			return
		}

		start := time.Now()
		next(ctx)
		latency := time.Since(start)
		status := ctx.Response.StatusCode()

		fields := []any{
			"status", status,
			"method", string(ctx.Method()),
			"path", path,
			"latency", latency.String(),
			"bytes_in", len(ctx.PostBody()),
			"bytes_out", len(ctx.Response.Body()),
			"ip", ctx.RemoteIP().String(),
			"request_id", requestID(ctx),
		}

		lg := logger.GetLogger()
		switch {
		case status >= 500:
			lg.Error("http_request", fields...)
		case status >= 400 || latency > slowThreshold:
			lg.Warn("http_request", fields...)
		default:
			lg.Info("http_request", fields...)
		}
	}
}

// APIKeyMiddleware admits requests presenting one of keys in the X-API-Key
// header or the api_key query parameter. Paths under public skip the check;
// an empty key list disables it.
func APIKeyMiddleware(keys []string, public ...string) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		if len(keys) == 0 {
			return next
		}
		return func(ctx *RequestCtx) {
			path := string(ctx.Path())
			for _, p := range public {
				if strings.HasPrefix(path, p) {
					next(ctx)
					return
				}
			}

			key := ctx.Request.Header.Peek("X-API-Key")
			if len(key) == 0 {
				key = ctx.QueryArgs().Peek("api_key")
			}
			if len(key) == 0 {
				denyJSON(ctx, StatusUnauthorized, `{"error":"Unauthorized","message":"Missing API key"}`)
				return
			}
			if !knownKey(keys, key) {
				logger.Warn("[xhttp] rejected api key", "path", path, "ip", ctx.RemoteIP().String())
				denyJSON(ctx, StatusForbidden, `{"error":"Forbidden","message":"Invalid API key"}`)
				return
			}
			next(ctx)
		}
	}
}

func knownKey(keys []string, presented []byte) bool {
	found := 0
	for _, k := range keys {
		found |= subtle.ConstantTimeCompare([]byte(k), presented)
	}
	return found == 1
}

func denyJSON(ctx *RequestCtx, status int, body string) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBodyString(body)
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(ctx *RequestCtx) string

// ClientKey charges requests to the presented API key, falling back to the
// remote address.
func ClientKey(ctx *RequestCtx) string {
	if v := ctx.Request.Header.Peek("X-API-Key"); len(v) > 0 {
		return "key:" + string(v)
	}
	if v := ctx.QueryArgs().Peek("api_key"); len(v) > 0 {
		return "key:" + string(v)
	}
	return "ip:" + ctx.RemoteIP().String()
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	key     KeyFunc
	buckets map[string]*rate.Limiter
}

// NewRateLimiter allows perMinute requests per client per minute, with the
// whole minute available as burst.
func NewRateLimiter(perMinute int, key KeyFunc) *RateLimiter {
	if key == nil {
		key = ClientKey
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		key:     key,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) Allow(ctx *RequestCtx) bool {
	k := l.key(ctx)
	l.mu.Lock()
	b, ok := l.buckets[k]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[k] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Wrap limits a single handler; exceeding the budget answers 429.
func (l *RateLimiter) Wrap(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		if !l.Allow(ctx) {
			ctx.Response.Header.Set("Retry-After", "60")
			denyJSON(ctx, StatusTooManyRequests, `{"error":"rate limit exceeded"}`)
			return
		}
		next(ctx)
	}
}

func shouldSkip(p string) bool {
	for _, sp := range skipPaths {
		if strings.HasPrefix(p, sp) {
			return true
		}
	}
	return false
}

func requestID(ctx *RequestCtx) string {
	if v := ctx.Request.Header.Peek("X-Request-Id"); len(v) > 0 {
		return string(v)
	}
	return ""
}
