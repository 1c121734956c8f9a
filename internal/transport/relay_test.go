package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func startRelay(t *testing.T, handler fasthttp.RequestHandler, cfg RelayConfig) *HTTPRelay {
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
	if cfg.URL == "" {
		cfg.URL = "http://relay.local"
	}
	return NewHTTPRelayWithClient(cfg, client)
}

func TestHTTPRelay_Probe(t *testing.T) {
	r := startRelay(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, relayDevicePath, string(ctx.Path()))
		ctx.SetContentType("application/json")
		_ = json.NewEncoder(ctx).Encode(RelayDeviceResponse{Connected: true, DeviceID: "sim-1", State: "device"})
	}, RelayConfig{})

	p, err := r.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Probe{Connected: true, DeviceID: "sim-1", State: "device"}, p)
}

func TestHTTPRelay_SendOne(t *testing.T) {
	var status atomic.Int32
	var got RelaySendRequest
	r := startRelay(t, func(ctx *fasthttp.RequestCtx) {
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetStatusCode(int(status.Load()))
		ctx.SetBodyString(`{"status":"x","error":"bad number"}`)
	}, RelayConfig{BreakerThreshold: 100})
	ctx := context.Background()

	status.Store(fasthttp.StatusAccepted)
	ok, err := r.SendOne(ctx, "+1234567890", "hello", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RelaySendRequest{PhoneNumber: "+1234567890", Message: "hello", SimID: 2}, got)

	status.Store(fasthttp.StatusUnprocessableEntity)
	ok, err = r.SendOne(ctx, "+1234567890", "hello", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	status.Store(fasthttp.StatusServiceUnavailable)
	_, err = r.SendOne(ctx, "+1234567890", "hello", 2)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, int64(3), r.Metrics().TotalRequests.Load())
	assert.Equal(t, int64(1), r.Metrics().FailedReqs.Load())
}

func TestHTTPRelay_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	r := startRelay(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	}, RelayConfig{BreakerThreshold: 2, BreakerTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.SendOne(ctx, "+1234567890", "x", 3)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.True(t, r.CircuitOpen())

	_, err := r.SendOne(ctx, "+1234567890", "x", 3)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits")

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.False(t, r.CircuitOpen())
}
