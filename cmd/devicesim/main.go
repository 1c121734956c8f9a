package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReceivedSMS is one message the simulated phone accepted.
type ReceivedSMS struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	SimID       int       `json:"sim_id"`
	ReceivedAt  time.Time `json:"received_at"`
}

// SimConfig is the runtime-tunable behavior of the simulated phone.
type SimConfig struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	// share of sends answered with 5xx, retried by the caller
	FailureRate float64 `json:"failure_rate"`
	// share of sends answered with 422, never retried
	RejectRate float64       `json:"reject_rate"`
	MinDelay   time.Duration `json:"min_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
}

// Device simulates one Android phone behind an SMS relay app.
type Device struct {
	mu       sync.Mutex
	id       string
	cfg      SimConfig
	rng      *rand.Rand
	received []ReceivedSMS
	sleep    func(time.Duration)
}

func NewDevice(cfg SimConfig) *Device {
	return &Device{
		id:    "SIM-" + uuid.New().String()[:8],
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: time.Sleep,
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRejected
	outcomeFailed
	outcomeOffline
)

func (d *Device) send(req transport.RelaySendRequest) (outcome, string) {
	d.mu.Lock()
	cfg := d.cfg
	roll := d.rng.Float64()
	delay := cfg.MinDelay
	if cfg.MaxDelay > cfg.MinDelay {
		delay += time.Duration(d.rng.Int63n(int64(cfg.MaxDelay - cfg.MinDelay)))
	}
	d.mu.Unlock()

	d.sleep(delay)

	switch {
	case !cfg.Connected:
		return outcomeOffline, "device " + cfg.State
	case !strings.HasPrefix(req.PhoneNumber, "+"):
		return outcomeRejected, "invalid destination address"
	case roll < cfg.RejectRate:
		return outcomeRejected, "carrier rejected message"
	case roll < cfg.RejectRate+cfg.FailureRate:
		return outcomeFailed, "radio busy"
	}

	d.mu.Lock()
	d.received = append(d.received, ReceivedSMS{
		ID:          uuid.NewString(),
		PhoneNumber: req.PhoneNumber,
		Message:     req.Message,
		SimID:       req.SimID,
		ReceivedAt:  time.Now(),
	})
	d.mu.Unlock()
	return outcomeSent, ""
}

// Handler serves the relay API consumed by transport.HTTPRelay.
type Handler struct {
	device *Device
}

func NewHandler(device *Device) *Handler {
	return &Handler{device: device}
}

func (h *Handler) GetDevice(c *gin.Context) {
	h.device.mu.Lock()
	cfg := h.device.cfg
	h.device.mu.Unlock()

	c.JSON(http.StatusOK, transport.RelayDeviceResponse{
		Connected: cfg.Connected,
		DeviceID:  h.device.id,
		State:     cfg.State,
	})
}

func (h *Handler) SendSMS(c *gin.Context) {
	var req transport.RelaySendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, transport.RelaySendResponse{Status: "rejected", Error: err.Error()})
		return
	}

	result, reason := h.device.send(req)
	ev := log.Info()
	if result != outcomeSent {
		ev = log.Warn().Str("reason", reason)
	}
	ev.Str("phone", req.PhoneNumber).Int("sim_id", req.SimID).Int("outcome", int(result)).Msg("SMS send request")

	switch result {
	case outcomeSent:
		c.JSON(http.StatusOK, transport.RelaySendResponse{Status: "sent"})
	case outcomeRejected:
		c.JSON(http.StatusUnprocessableEntity, transport.RelaySendResponse{Status: "rejected", Error: reason})
	case outcomeOffline:
		c.JSON(http.StatusServiceUnavailable, transport.RelaySendResponse{Status: "unavailable", Error: reason})
	default:
		c.JSON(http.StatusInternalServerError, transport.RelaySendResponse{Status: "failed", Error: reason})
	}
}

// ListReceived returns every accepted message, oldest first.
func (h *Handler) ListReceived(c *gin.Context) {
	h.device.mu.Lock()
	out := append([]ReceivedSMS(nil), h.device.received...)
	h.device.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"total": len(out), "messages": out})
}

// UpdateConfig changes the simulated behavior at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var patch struct {
		Connected   *bool    `json:"connected"`
		State       *string  `json:"state"`
		FailureRate *float64 `json:"failure_rate"`
		RejectRate  *float64 `json:"reject_rate"`
	}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	if patch.Connected != nil {
		h.device.cfg.Connected = *patch.Connected
		h.device.cfg.State = "device"
		if !*patch.Connected {
			h.device.cfg.State = "offline"
		}
	}
	if patch.State != nil {
		h.device.cfg.State = *patch.State
	}
	if patch.FailureRate != nil && *patch.FailureRate >= 0 && *patch.FailureRate <= 1 {
		h.device.cfg.FailureRate = *patch.FailureRate
	}
	if patch.RejectRate != nil && *patch.RejectRate >= 0 && *patch.RejectRate <= 1 {
		h.device.cfg.RejectRate = *patch.RejectRate
	}
	log.Info().Interface("config", h.device.cfg).Msg("Updated simulator config")
	c.JSON(http.StatusOK, h.device.cfg)
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/device", handler.GetDevice)
		v1.POST("/sms", handler.SendSMS)
		v1.GET("/sms", handler.ListReceived)
		v1.PUT("/config", handler.UpdateConfig)
	}
	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8090")
	cfg := SimConfig{
		Connected:   getEnv("DEVICE_STATE", "device") == "device",
		State:       getEnv("DEVICE_STATE", "device"),
		FailureRate: getEnvFloat("FAILURE_RATE", 0),
		RejectRate:  getEnvFloat("REJECT_RATE", 0),
		MinDelay:    getEnvDuration("MIN_DELAY", 200*time.Millisecond),
		MaxDelay:    getEnvDuration("MAX_DELAY", time.Second),
	}

	log.Info().
		Str("port", port).
		Str("state", cfg.State).
		Float64("failure_rate", cfg.FailureRate).
		Float64("reject_rate", cfg.RejectRate).
		Dur("min_delay", cfg.MinDelay).
		Dur("max_delay", cfg.MaxDelay).
		Msg("Starting device simulator")

	router := SetupRouter(NewHandler(NewDevice(cfg)))
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
