package xhttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func newCtx(key string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/api/v1/sms")
	if key != "" {
		ctx.Request.Header.Set("X-API-Key", key)
	}
	return ctx
}

func TestRateLimiter_Wrap(t *testing.T) {
	l := NewRateLimiter(2, nil)
	h := l.Wrap(func(ctx *RequestCtx) { ctx.SetStatusCode(StatusOK) })

	for i := 0; i < 2; i++ {
		ctx := newCtx("alpha")
		h(ctx)
		assert.Equal(t, StatusOK, ctx.Response.StatusCode())
	}

	ctx := newCtx("alpha")
	h(ctx)
	assert.Equal(t, StatusTooManyRequests, ctx.Response.StatusCode())
	assert.Equal(t, "60", string(ctx.Response.Header.Peek("Retry-After")))

	t.Run("buckets are per client", func(t *testing.T) {
		ctx := newCtx("beta")
		h(ctx)
		assert.Equal(t, StatusOK, ctx.Response.StatusCode())
	})
}

func TestClientKey(t *testing.T) {
	assert.Equal(t, "key:abc", ClientKey(newCtx("abc")))

	ctx := newCtx("")
	ctx.Request.SetRequestURI("/api/v1/sms?api_key=q1")
	assert.Equal(t, "key:q1", ClientKey(ctx))
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(func(ctx *RequestCtx) { panic("boom") })
	ctx := newCtx("")
	assert.NotPanics(t, func() { h(ctx) })
	assert.Equal(t, StatusInternalServerError, ctx.Response.StatusCode())
}

func TestEngine_HandlerOrder(t *testing.T) {
	e := CreateServer()
	var order []string
	e.Use(func(next RequestHandler) RequestHandler {
		return func(ctx *RequestCtx) { order = append(order, "first"); next(ctx) }
	})
	e.Use(func(next RequestHandler) RequestHandler {
		return func(ctx *RequestCtx) { order = append(order, "second"); next(ctx) }
	})
	e.GET("/ping", func(ctx *RequestCtx) { order = append(order, "handler") })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/ping")
	e.Handler()(ctx)

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestAPIKeyMiddleware(t *testing.T) {
	h := APIKeyMiddleware([]string{"k1", "k2"}, "/api/v1/health")(func(ctx *RequestCtx) { ctx.SetStatusCode(StatusOK) })

	tests := []struct {
		name   string
		uri    string
		key    string
		status int
	}{
		{"header key", "/api/v1/sms", "k2", StatusOK},
		{"query key", "/api/v1/sms?api_key=k1", "", StatusOK},
		{"missing key", "/api/v1/sms", "", StatusUnauthorized},
		{"unknown key", "/api/v1/sms", "nope", StatusForbidden},
		{"public path", "/api/v1/health", "", StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newCtx(tt.key)
			ctx.Request.SetRequestURI(tt.uri)
			h(ctx)
			assert.Equal(t, tt.status, ctx.Response.StatusCode())
		})
	}

	ctx := newCtx("")
	h(ctx)
	assert.JSONEq(t, `{"error":"Unauthorized","message":"Missing API key"}`, string(ctx.Response.Body()))
}

func TestAPIKeyMiddleware_NoKeysDisablesAuth(t *testing.T) {
	h := APIKeyMiddleware(nil)(func(ctx *RequestCtx) { ctx.SetStatusCode(StatusOK) })
	ctx := newCtx("")
	h(ctx)
	assert.Equal(t, StatusOK, ctx.Response.StatusCode())
}

func TestDefaultRouter_JSONErrors(t *testing.T) {
	r := CreateDefaultRouter()
	r.GET("/api/v1/sms", func(ctx *RequestCtx) { ctx.SetStatusCode(StatusOK) })

	ctx := newCtx("")
	ctx.Request.SetRequestURI("/api/v1/nope")
	r.Handler(ctx)
	assert.Equal(t, StatusNotFound, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"error":"Endpoint not found"}`, string(ctx.Response.Body()))

	ctx = newCtx("")
	ctx.Request.Header.SetMethod(fasthttp.MethodDelete)
	r.Handler(ctx)
	assert.Equal(t, StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"error":"Method not allowed"}`, string(ctx.Response.Body()))
}
