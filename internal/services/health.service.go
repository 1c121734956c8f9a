package services

import (
	"context"
	"time"
)

// Pinger is a dependency whose liveness the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthService struct {
	version string
	timeout time.Duration
	pingers map[string]Pinger
}

func NewHealthService(version string, pingers map[string]Pinger) *HealthService {
	return &HealthService{
		version: version,
		timeout: 2 * time.Second,
		pingers: pingers,
	}
}

func (s *HealthService) Version() string {
	return s.version
}

// Check pings every dependency and returns the failures by name.
func (s *HealthService) Check(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	failures := map[string]string{}
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}
