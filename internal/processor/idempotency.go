package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/redis"
)

var (
	ErrAlreadyProcessed = errors.New("message already processed")
	ErrLockHeld         = errors.New("send lock held by another worker")
)

type SendLockConfig struct {
	// LockTTL must outlive the task hard timeout so a running send keeps it.
	LockTTL      time.Duration
	ProcessedTTL time.Duration

	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultSendLockConfig() SendLockConfig {
	return SendLockConfig{
		LockTTL:            6 * time.Minute,
		ProcessedTTL:       24 * time.Hour,
		LockKeyPrefix:      "send:lock:",
		ProcessedKeyPrefix: "send:done:",
	}
}

// SendLock keeps two deliveries of the same message from reaching the
// transport at once, and remembers finished messages so duplicates are
// dropped without touching the database.
type SendLock struct {
	redis  redis.RedisAdapter
	config SendLockConfig
}

func NewSendLock(adapter redis.RedisAdapter, config SendLockConfig) *SendLock {
	def := DefaultSendLockConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = def.ProcessedTTL
	}
	if config.LockKeyPrefix == "" {
		config.LockKeyPrefix = def.LockKeyPrefix
	}
	if config.ProcessedKeyPrefix == "" {
		config.ProcessedKeyPrefix = def.ProcessedKeyPrefix
	}
	return &SendLock{redis: adapter, config: config}
}

type Lease struct {
	MessageID int64
	token     []byte
	held      bool
	lock      *SendLock
}

func (s *SendLock) lockKey(id int64) string {
	return s.config.LockKeyPrefix + strconv.FormatInt(id, 10)
}

func (s *SendLock) processedKey(id int64) string {
	return s.config.ProcessedKeyPrefix + strconv.FormatInt(id, 10)
}

// Acquire takes the lock of message id. It fails with ErrAlreadyProcessed
// when the message was finished earlier and ErrLockHeld when another worker
// is sending it.
func (s *SendLock) Acquire(ctx context.Context, id int64) (*Lease, error) {
	done, err := s.redis.Exist(ctx, s.processedKey(id))
	if err != nil {
		// the database still guards terminal messages
		logger.Warn("check processed marker failed", "message_id", id, "error", err)
	} else if done {
		return nil, ErrAlreadyProcessed
	}

	token := []byte(uuid.NewString())
	acquired, err := s.redis.SetNX(ctx, s.lockKey(id), token, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire send lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	logger.Debug("send lock acquired", "message_id", id, "ttl", s.config.LockTTL)
	return &Lease{MessageID: id, token: token, held: true, lock: s}, nil
}

// Done records the message as finished and releases the lease.
func (l *Lease) Done(ctx context.Context) error {
	if err := l.lock.redis.Set(ctx, l.lock.processedKey(l.MessageID), []byte("1"), l.lock.config.ProcessedTTL); err != nil {
		logger.Error("set processed marker failed", "message_id", l.MessageID, "error", err)
	}
	return l.Release(ctx)
}

// Release frees the lock if this lease still owns it. A lease whose TTL
// lapsed and was taken by another worker leaves the new owner's lock alone.
// Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || !l.held {
		return nil
	}
	l.held = false
	owned, err := l.lock.redis.DelIfEqual(ctx, l.lock.lockKey(l.MessageID), l.token)
	if err != nil {
		logger.Warn("release send lock failed", "message_id", l.MessageID, "error", err)
		return err
	}
	if !owned {
		logger.Warn("send lock no longer owned at release", "message_id", l.MessageID)
	}
	return nil
}

func (s *SendLock) IsProcessed(ctx context.Context, id int64) (bool, error) {
	return s.redis.Exist(ctx, s.processedKey(id))
}
