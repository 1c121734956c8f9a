package processor

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendLock_AcquireAndRelease(t *testing.T) {
	mr, adapter := helpers.SetupTestRedis(t)
	lock := NewSendLock(adapter, SendLockConfig{LockTTL: time.Minute})
	ctx := context.Background()

	lease, err := lock.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.MessageID)

	_, err = lock.Acquire(ctx, 1)
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := lock.Acquire(ctx, 2)
	require.NoError(t, err, "locks are per message")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "double release is a no-op")

	again, err := lock.Acquire(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))

	t.Run("lock expires", func(t *testing.T) {
		_, err := lock.Acquire(ctx, 3)
		require.NoError(t, err)
		mr.FastForward(2 * time.Minute)
		_, err = lock.Acquire(ctx, 3)
		assert.NoError(t, err)
	})
}

func TestSendLock_DoneMarksProcessed(t *testing.T) {
	_, adapter := helpers.SetupTestRedis(t)
	lock := NewSendLock(adapter, SendLockConfig{})
	ctx := context.Background()

	lease, err := lock.Acquire(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, lease.Done(ctx))

	done, err := lock.IsProcessed(ctx, 7)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = lock.Acquire(ctx, 7)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestSendLock_ReleaseKeepsNewOwner(t *testing.T) {
	mr, adapter := helpers.SetupTestRedis(t)
	lock := NewSendLock(adapter, SendLockConfig{LockTTL: time.Minute})
	ctx := context.Background()

	stale, err := lock.Acquire(ctx, 5)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	current, err := lock.Acquire(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	_, err = lock.Acquire(ctx, 5)
	assert.ErrorIs(t, err, ErrLockHeld, "an expired lease must not free the current owner's lock")

	require.NoError(t, current.Release(ctx))
	again, err := lock.Acquire(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
