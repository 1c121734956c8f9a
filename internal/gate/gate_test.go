package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
	"github.com/nimasrn/bulk-sms-orchestrator/test/fixtures"
	"github.com/nimasrn/bulk-sms-orchestrator/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGate(t *testing.T) (*Gate, *fixtures.FakeTransport, *repository.DeviceStatusRepository) {
	store := repository.NewDeviceStatusRepository(helpers.SetupTestDB(t))
	tr := fixtures.NewFakeTransport()
	return New(tr, store, time.Minute), tr, store
}

func TestGate_Check(t *testing.T) {
	g, tr, store := setupGate(t)
	ctx := context.Background()

	s := g.Check(ctx)
	assert.True(t, s.Connected)
	assert.Equal(t, model.DeviceStateDevice, s.State)
	require.NotNil(t, s.DeviceID)
	assert.Equal(t, "fake-device", *s.DeviceID)

	saved, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, saved.Connected)

	t.Run("probe error fails soft", func(t *testing.T) {
		tr.SetProbe(transport.Probe{}, errors.New("adb: executable file not found"))
		s := g.Check(ctx)
		assert.False(t, s.Connected)
		assert.Equal(t, model.DeviceStateUnknown, s.State)
		assert.Nil(t, s.DeviceID)

		saved, err := store.Latest(ctx)
		require.NoError(t, err)
		assert.False(t, saved.Connected)
	})

	t.Run("unexpected state maps to unknown", func(t *testing.T) {
		tr.SetProbe(transport.Probe{DeviceID: "x", State: "recovery"}, nil)
		assert.Equal(t, model.DeviceStateUnknown, g.Check(ctx).State)
	})
}

func TestGate_Status(t *testing.T) {
	g, tr, _ := setupGate(t)
	ctx := context.Background()

	s, refreshed := g.Status(ctx)
	assert.True(t, refreshed, "missing row triggers a probe")
	assert.True(t, s.Connected)
	assert.Equal(t, 1, tr.ProbeHits())

	_, refreshed = g.Status(ctx)
	assert.False(t, refreshed)
	assert.Equal(t, 1, tr.ProbeHits())

	g.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	_, refreshed = g.Status(ctx)
	assert.True(t, refreshed, "stale row triggers a probe")
	assert.Equal(t, 2, tr.ProbeHits())
}

func TestGate_Ready(t *testing.T) {
	g, tr, _ := setupGate(t)
	ctx := context.Background()

	assert.True(t, g.Ready(ctx))
	assert.True(t, g.Ready(ctx))
	assert.Equal(t, 1, tr.ProbeHits(), "fresh connected cache is trusted")

	tr.Disconnect()
	g.MarkUnavailable(ctx, transport.ErrUnavailable)
	assert.False(t, g.Ready(ctx))
	assert.Equal(t, 2, tr.ProbeHits(), "disconnected cache is re-probed")
}

func TestGate_MarkUnavailable(t *testing.T) {
	g, _, store := setupGate(t)
	ctx := context.Background()

	g.Check(ctx)
	before, err := store.Latest(ctx)
	require.NoError(t, err)

	g.now = func() time.Time { return before.LastCheck.Add(time.Second) }
	g.MarkUnavailable(ctx, errors.New("send failed"))

	after, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, after.Connected)
	assert.True(t, after.LastCheck.After(before.LastCheck))
	require.NotNil(t, after.DeviceID)
	assert.Equal(t, "fake-device", *after.DeviceID)
}

func TestGate_CheckCoalesces(t *testing.T) {
	g, tr, _ := setupGate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, g.Check(ctx).Connected)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, tr.ProbeHits(), 8)
	assert.GreaterOrEqual(t, tr.ProbeHits(), 1)
}

// heldProbe blocks every probe until release is closed.
type heldProbe struct {
	*fixtures.FakeTransport
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *heldProbe) Probe(ctx context.Context) (transport.Probe, error) {
	h.once.Do(func() { close(h.started) })
	select {
	case <-h.release:
	case <-ctx.Done():
		return transport.Probe{}, ctx.Err()
	}
	return h.FakeTransport.Probe(ctx)
}

func TestGate_CheckSurvivesCancelledCaller(t *testing.T) {
	store := repository.NewDeviceStatusRepository(helpers.SetupTestDB(t))
	tr := &heldProbe{FakeTransport: fixtures.NewFakeTransport(), started: make(chan struct{}), release: make(chan struct{})}
	g := New(tr, store, time.Minute)

	callerCtx, cancel := context.WithCancel(context.Background())
	first := make(chan *model.DeviceStatus, 1)
	go func() { first <- g.Check(callerCtx) }()
	<-tr.started

	second := make(chan *model.DeviceStatus, 1)
	go func() { second <- g.Check(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	abandoned := <-first
	assert.False(t, abandoned.Connected)
	assert.Equal(t, model.DeviceStateUnknown, abandoned.State)

	close(tr.release)
	status := <-second
	assert.True(t, status.Connected, "a cancelled caller must not fail the shared probe")

	stored, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.Connected)
	assert.Equal(t, 1, tr.ProbeHits())
}
