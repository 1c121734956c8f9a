package gate

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/prom"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultProbeTimeout = 30 * time.Second
)

type DeviceStatusStore interface {
	Latest(ctx context.Context) (*model.DeviceStatus, error)
	Upsert(ctx context.Context, s *model.DeviceStatus) (*model.DeviceStatus, error)
}

// Gate answers whether the transport can take a message right now. Probe
// results are cached in the device status row for TTL.
type Gate struct {
	transport transport.Transport
	store     DeviceStatusStore
	ttl       time.Duration
	timeout   time.Duration
	group     singleflight.Group
	now       func() time.Time
}

func New(t transport.Transport, store DeviceStatusStore, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{
		transport: t,
		store:     store,
		ttl:       ttl,
		timeout:   DefaultProbeTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Check probes the transport and persists the result. It never fails: probe
// and storage errors are logged and reported as a disconnected device.
// Concurrent callers share one probe. The probe runs detached from any one
// caller, so a caller that gives up gets an unknown status while the others
// still receive the real result.
func (g *Gate) Check(ctx context.Context) *model.DeviceStatus {
	ch := g.group.DoChan("check", func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return g.check(pctx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(*model.DeviceStatus)
	case <-ctx.Done():
		logger.Debug("device check abandoned by caller", "error", ctx.Err())
		return &model.DeviceStatus{ID: model.DeviceStatusRowID, State: model.DeviceStateUnknown, LastCheck: g.now()}
	}
}

func (g *Gate) check(ctx context.Context) *model.DeviceStatus {
	status := &model.DeviceStatus{
		ID:        model.DeviceStatusRowID,
		State:     model.DeviceStateUnknown,
		LastCheck: g.now(),
	}

	probe, err := g.transport.Probe(ctx)
	if err != nil {
		logger.Warn("device probe failed", "transport", g.transport.Name(), "error", err)
	} else {
		status.Connected = probe.Connected
		status.State = model.ParseDeviceState(probe.State)
		if probe.DeviceID != "" {
			id := probe.DeviceID
			status.DeviceID = &id
		}
	}

	g.persist(ctx, status)
	logger.Info("device checked", "connected", status.Connected, "state", status.State)
	return status
}

// Status returns the cached status, refreshing it first when it is missing
// or older than the TTL. refreshed reports whether a probe ran.
func (g *Gate) Status(ctx context.Context) (status *model.DeviceStatus, refreshed bool) {
	cached, err := g.cached(ctx)
	if err == nil && !cached.IsStale(g.now(), g.ttl) {
		return cached, false
	}
	return g.Check(ctx), true
}

// Cached returns the stored status without probing. Stale reports whether it
// is older than the TTL.
func (g *Gate) Cached(ctx context.Context) (status *model.DeviceStatus, stale bool, err error) {
	status, err = g.cached(ctx)
	if err != nil {
		return nil, true, err
	}
	return status, status.IsStale(g.now(), g.ttl), nil
}

// Ready trusts a fresh connected cache and probes otherwise.
func (g *Gate) Ready(ctx context.Context) bool {
	cached, err := g.cached(ctx)
	if err == nil && cached.Connected && !cached.IsStale(g.now(), g.ttl) {
		return true
	}
	return g.Check(ctx).Connected
}

// MarkUnavailable records that a send found the device unreachable.
func (g *Gate) MarkUnavailable(ctx context.Context, cause error) {
	status := &model.DeviceStatus{
		ID:        model.DeviceStatusRowID,
		State:     model.DeviceStateUnknown,
		LastCheck: g.now(),
	}
	if cached, err := g.cached(ctx); err == nil {
		status.DeviceID = cached.DeviceID
		if cached.State != model.DeviceStateDevice {
			status.State = cached.State
		}
	}
	logger.Warn("device marked unavailable", "cause", cause)
	g.persist(ctx, status)
}

func (g *Gate) cached(ctx context.Context) (*model.DeviceStatus, error) {
	s, err := g.store.Latest(ctx)
	if err != nil && !errors.Is(err, repository.ErrDeviceStatusNotFound) {
		logger.Warn("device status read failed", "error", err)
	}
	return s, err
}

func (g *Gate) persist(ctx context.Context, status *model.DeviceStatus) {
	if _, err := g.store.Upsert(ctx, status); err != nil {
		logger.Error("device status write failed", "error", err)
	}

	states := make([]string, len(model.DeviceStates))
	for i, s := range model.DeviceStates {
		states[i] = string(s)
	}
	prom.DeviceState(string(status.State), states...)
}
