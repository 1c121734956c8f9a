package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(cfg SimConfig) (*gin.Engine, *Device) {
	gin.SetMode(gin.TestMode)
	device := NewDevice(cfg)
	device.sleep = func(time.Duration) {}
	return SetupRouter(NewHandler(device)), device
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetDevice(t *testing.T) {
	router, device := setupTestRouter(SimConfig{Connected: true, State: "device"})

	w := doJSON(t, router, http.MethodGet, "/api/v1/device", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp transport.RelayDeviceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
	assert.Equal(t, "device", resp.State)
	assert.Equal(t, device.id, resp.DeviceID)
}

func TestSendSMS(t *testing.T) {
	tests := []struct {
		name       string
		cfg        SimConfig
		phone      string
		wantStatus int
		wantBody   string
	}{
		{"accepted", SimConfig{Connected: true, State: "device"}, "+15550001111", http.StatusOK, "sent"},
		{"bad number rejected", SimConfig{Connected: true, State: "device"}, "15550001111", http.StatusUnprocessableEntity, "rejected"},
		{"carrier rejects", SimConfig{Connected: true, State: "device", RejectRate: 1}, "+15550001111", http.StatusUnprocessableEntity, "rejected"},
		{"radio busy", SimConfig{Connected: true, State: "device", FailureRate: 1}, "+15550001111", http.StatusInternalServerError, "failed"},
		{"offline", SimConfig{Connected: false, State: "offline"}, "+15550001111", http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, device := setupTestRouter(tt.cfg)

			w := doJSON(t, router, http.MethodPost, "/api/v1/sms", transport.RelaySendRequest{
				PhoneNumber: tt.phone,
				Message:     "hello",
				SimID:       3,
			})
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp transport.RelaySendResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantBody, resp.Status)

			if tt.wantStatus == http.StatusOK {
				assert.Len(t, device.received, 1)
			} else {
				assert.Empty(t, device.received)
			}
		})
	}
}

func TestSendSMS_MalformedBody(t *testing.T) {
	router, _ := setupTestRouter(SimConfig{Connected: true, State: "device"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sms", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateConfig(t *testing.T) {
	router, _ := setupTestRouter(SimConfig{Connected: true, State: "device"})

	w := doJSON(t, router, http.MethodPut, "/api/v1/config", map[string]any{"connected": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/device", nil)
	var dev transport.RelayDeviceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dev))
	assert.False(t, dev.Connected)
	assert.Equal(t, "offline", dev.State)

	w = doJSON(t, router, http.MethodPut, "/api/v1/config", map[string]any{"connected": true, "failure_rate": 2.5})
	require.Equal(t, http.StatusOK, w.Code)
	var cfg SimConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.True(t, cfg.Connected)
	assert.Zero(t, cfg.FailureRate, "out of range rates are ignored")
}

func TestListReceived(t *testing.T) {
	router, _ := setupTestRouter(SimConfig{Connected: true, State: "device"})

	for _, phone := range []string{"+15550000001", "+15550000002"} {
		doJSON(t, router, http.MethodPost, "/api/v1/sms", transport.RelaySendRequest{PhoneNumber: phone, Message: "hi", SimID: 1})
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/sms", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total    int           `json:"total"`
		Messages []ReceivedSMS `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "+15550000001", resp.Messages[0].PhoneNumber)
	assert.Equal(t, 1, resp.Messages[1].SimID)
}

func TestRelayClientAgainstSimulator(t *testing.T) {
	router, _ := setupTestRouter(SimConfig{Connected: true, State: "device"})
	srv := httptest.NewServer(router)
	defer srv.Close()

	relay := transport.NewHTTPRelay(transport.RelayConfig{URL: srv.URL, Timeout: 2 * time.Second})

	p, err := relay.Probe(t.Context())
	require.NoError(t, err)
	assert.True(t, p.Connected)

	ok, err := relay.SendOne(t.Context(), "+15550001111", "hello", 3)
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = relay.SendOne(t.Context(), "15550001111", "hello", 3)
	assert.False(t, ok)
	assert.NoError(t, err, "a rejection is final, not transient")

	w := doJSON(t, router, http.MethodPut, "/api/v1/config", map[string]any{"failure_rate": 1.0})
	require.Equal(t, http.StatusOK, w.Code)
	ok, err = relay.SendOne(t.Context(), "+15550001111", "hello", 3)
	assert.False(t, ok)
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}
