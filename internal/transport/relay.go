package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/valyala/fasthttp"
)

const (
	relayDevicePath = "/api/v1/device"
	relaySMSPath    = "/api/v1/sms"
)

type RelaySendRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
	SimID       int    `json:"sim_id"`
}

type RelaySendResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type RelayDeviceResponse struct {
	Connected bool   `json:"connected"`
	DeviceID  string `json:"device_id"`
	State     string `json:"state"`
}

type RelayConfig struct {
	URL     string
	Timeout time.Duration
	// consecutive transient failures that open the breaker
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// RelayMetrics counts relay calls. Consecutive failures drive the breaker.
type RelayMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	ConsecutiveFails atomic.Int32
	LastLatencyMs    atomic.Int64
}

func (m *RelayMetrics) RecordSuccess(latency time.Duration) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.LastLatencyMs.Store(latency.Milliseconds())
	m.ConsecutiveFails.Store(0)
}

func (m *RelayMetrics) RecordFailure() int32 {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	return m.ConsecutiveFails.Add(1)
}

// HTTPRelay talks to a device relay over HTTP, e.g. an SMS gateway app on
// the phone or cmd/devicesim.
type HTTPRelay struct {
	cfg              RelayConfig
	client           *fasthttp.Client
	metrics          *RelayMetrics
	circuitOpenUntil atomic.Int64
	now              func() time.Time
}

func NewHTTPRelay(cfg RelayConfig) *HTTPRelay {
	return NewHTTPRelayWithClient(cfg, &fasthttp.Client{
		MaxConnsPerHost:     4,
		ReadTimeout:         cfg.Timeout,
		WriteTimeout:        cfg.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
	})
}

func NewHTTPRelayWithClient(cfg RelayConfig, client *fasthttp.Client) *HTTPRelay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &HTTPRelay{cfg: cfg, client: client, metrics: &RelayMetrics{}, now: time.Now}
}

func (r *HTTPRelay) Name() string {
	return "http"
}

func (r *HTTPRelay) Metrics() *RelayMetrics {
	return r.metrics
}

// CircuitOpen reports whether calls are currently short-circuited.
func (r *HTTPRelay) CircuitOpen() bool {
	return r.now().UnixNano() < r.circuitOpenUntil.Load()
}

func (r *HTTPRelay) Probe(ctx context.Context) (Probe, error) {
	status, body, err := r.do(ctx, fasthttp.MethodGet, relayDevicePath, nil)
	if err != nil {
		return Probe{State: "unknown"}, err
	}
	if status >= 300 {
		return Probe{State: "unknown"}, fmt.Errorf("%w: relay device status %d", ErrUnavailable, status)
	}

	var resp RelayDeviceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Probe{State: "unknown"}, fmt.Errorf("%w: decode device response: %v", ErrUnavailable, err)
	}
	return Probe{Connected: resp.Connected, DeviceID: resp.DeviceID, State: resp.State}, nil
}

func (r *HTTPRelay) SendOne(ctx context.Context, recipient, content string, channelID int) (bool, error) {
	body, err := json.Marshal(RelaySendRequest{PhoneNumber: recipient, Message: content, SimID: channelID})
	if err != nil {
		return false, fmt.Errorf("%w: marshal request: %v", ErrPermanent, err)
	}

	status, respBody, err := r.do(ctx, fasthttp.MethodPost, relaySMSPath, body)
	if err != nil {
		return false, err
	}

	switch {
	case status >= 200 && status < 300:
		return true, nil
	case status == fasthttp.StatusTooManyRequests || status == fasthttp.StatusRequestTimeout:
		return false, fmt.Errorf("%w: relay status %d", ErrUnavailable, status)
	case status >= 400 && status < 500:
		var resp RelaySendResponse
		_ = json.Unmarshal(respBody, &resp)
		logger.Warn("relay rejected message", "recipient", recipient, "status", status, "error", resp.Error)
		return false, nil
	default:
		return false, fmt.Errorf("%w: relay status %d", ErrUnavailable, status)
	}
}

// do performs one request. Network errors and 5xx answers count against the
// breaker; the breaker stays open for BreakerTimeout.
func (r *HTTPRelay) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if r.CircuitOpen() {
		return 0, nil, fmt.Errorf("%w: relay circuit open", ErrUnavailable)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.cfg.URL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if body != nil {
		req.SetBody(body)
	}

	deadline := r.now().Add(r.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := r.now()
	if err := r.client.DoDeadline(req, resp, deadline); err != nil {
		r.recordFailure()
		return 0, nil, fmt.Errorf("%w: relay request: %v", ErrUnavailable, err)
	}

	status := resp.StatusCode()
	if status >= 500 {
		r.recordFailure()
	} else {
		r.metrics.RecordSuccess(r.now().Sub(start))
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return status, out, nil
}

func (r *HTTPRelay) recordFailure() {
	fails := r.metrics.RecordFailure()
	if fails >= int32(r.cfg.BreakerThreshold) {
		r.circuitOpenUntil.Store(r.now().Add(r.cfg.BreakerTimeout).UnixNano())
		r.metrics.ConsecutiveFails.Store(0)
		logger.Warn("relay circuit breaker opened", "url", r.cfg.URL, "consecutive_fails", fails, "timeout", r.cfg.BreakerTimeout)
	}
}
