package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable marks failures that may clear on their own: no device,
	// device offline, relay down, timeouts.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrPermanent marks a deterministic rejection. Retrying will not help.
	ErrPermanent = errors.New("transport rejected the message")
)

// Probe is what a transport reports about the sending device.
type Probe struct {
	Connected bool
	DeviceID  string
	State     string
}

// Transport delivers one message and reports device connectivity.
type Transport interface {
	Name() string
	Probe(ctx context.Context) (Probe, error)
	// SendOne returns false when the transport rejected the message, and an
	// error wrapping ErrUnavailable when the attempt may be retried.
	SendOne(ctx context.Context, recipient, content string, channelID int) (bool, error)
}

// IsTransient reports whether a send error is worth another attempt.
// Unclassified errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermanent)
}
