package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/prom"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/redis"
)

const (
	fieldTask    = "task"
	fieldAttempt = "attempt"

	promoteBatch = 500
	pendingScan  = 100
)

type Config struct {
	Prefix            string
	ConsumerGroup     string
	ConsumerName      string
	VisibilityTimeout time.Duration
	MaxDeliveries     int64
	MaxLen            int64
	EnableDLQ         bool
}

// Queue keeps one Redis stream per lane and a sorted set of tasks waiting
// for their eligibility time.
type Queue struct {
	adapter redis.RedisAdapter
	config  Config
}

// Delivery is a task handed to this consumer. It stays pending until acked;
// an unacked delivery is redelivered after the visibility timeout.
type Delivery struct {
	Task
	StreamID string
	Attempt  int64
	queue    *Queue
	acked    bool
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d.acked {
		return fmt.Errorf("delivery %s already acknowledged", d.StreamID)
	}
	d.acked = true
	return d.queue.ack(ctx, d.Lane, d.StreamID)
}

type LaneStats struct {
	Lane    Lane  `json:"lane"`
	Depth   int64 `json:"depth"`
	Pending int64 `json:"pending"`
}

type Stats struct {
	Lanes      []LaneStats `json:"lanes"`
	Delayed    int64       `json:"delayed"`
	DeadLetter int64       `json:"dead_letter"`
}

func NewQueue(ctx context.Context, adapter redis.RedisAdapter, config Config) (*Queue, error) {
	if config.Prefix == "" {
		config.Prefix = "tasks"
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "workers"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 6 * time.Minute
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = 3
	}

	q := &Queue{adapter: adapter, config: config}
	for _, lane := range Lanes {
		err := adapter.XGroupCreateMkStream(ctx, q.streamKey(lane), config.ConsumerGroup, "0")
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create consumer group for lane %s: %w", lane, err)
		}
	}
	return q, nil
}

func (q *Queue) streamKey(lane Lane) string {
	return q.config.Prefix + ":" + string(lane)
}

func (q *Queue) delayedKey() string {
	return q.config.Prefix + ":delayed"
}

func (q *Queue) deadLetterKey() string {
	return q.config.Prefix + ":dlq"
}

// Enqueue makes the task eligible immediately.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	return q.add(ctx, task, 1)
}

func (q *Queue) add(ctx context.Context, task Task, attempt int64) (string, error) {
	if task.Lane == "" {
		task.Lane = LaneDefault
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	stream := q.streamKey(task.Lane)
	id, err := q.adapter.XAdd(ctx, stream, map[string]interface{}{
		fieldTask:    string(raw),
		fieldAttempt: attempt,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	if q.config.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(ctx, stream, q.config.MaxLen)
	}
	return id, nil
}

// Schedule makes the task eligible at at. Past or present times enqueue
// right away.
func (q *Queue) Schedule(ctx context.Context, task Task, at time.Time) error {
	if !at.After(time.Now()) {
		_, err := q.Enqueue(ctx, task)
		return err
	}
	if task.Lane == "" {
		task.Lane = LaneDefault
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.adapter.ZAdd(ctx, q.delayedKey(), float64(at.UnixMilli()), string(raw)); err != nil {
		return fmt.Errorf("schedule task %s: %w", task.ID, err)
	}
	return nil
}

// PromoteDue moves delayed tasks whose time has come onto their lane. Only
// the process whose ZREM succeeds promotes a task, so concurrent promoters
// never duplicate one.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.adapter.ZRangeByScore(ctx, q.delayedKey(), float64(now.UnixMilli()), promoteBatch)
	if err != nil {
		return 0, fmt.Errorf("read delayed tasks: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.adapter.ZRem(ctx, q.delayedKey(), member)
		if err != nil {
			return promoted, fmt.Errorf("claim delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			logger.Error("dropping undecodable delayed task", "error", err)
			continue
		}
		if _, err := q.Enqueue(ctx, task); err != nil {
			// put it back so it is not lost
			_ = q.adapter.ZAdd(ctx, q.delayedKey(), float64(now.UnixMilli()), member)
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Fetch reads up to max new deliveries, draining lanes in the given order.
// It never blocks.
func (q *Queue) Fetch(ctx context.Context, lanes []Lane, max int) ([]*Delivery, error) {
	var out []*Delivery
	for _, lane := range lanes {
		if len(out) >= max {
			break
		}
		msgs, err := q.adapter.XReadGroup(ctx, q.config.ConsumerGroup, q.config.ConsumerName, q.streamKey(lane), ">", int64(max-len(out)))
		if err != nil {
			return out, fmt.Errorf("read lane %s: %w", lane, err)
		}
		for _, m := range msgs {
			d, err := q.toDelivery(lane, m)
			if err != nil {
				logger.Error("dropping undecodable task", "lane", lane, "stream_id", m.ID, "error", err)
				_ = q.ack(ctx, lane, m.ID)
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// Reclaim requeues deliveries that stayed unacked longer than the visibility
// timeout. Deliveries that used up MaxDeliveries go to the dead letter stream.
func (q *Queue) Reclaim(ctx context.Context) (requeued int, deadLettered int, err error) {
	for _, lane := range Lanes {
		stream := q.streamKey(lane)
		entries, err := q.adapter.XPendingExt(ctx, stream, q.config.ConsumerGroup, pendingScan)
		if err != nil {
			return requeued, deadLettered, fmt.Errorf("scan pending on lane %s: %w", lane, err)
		}

		var stale []string
		for _, e := range entries {
			if e.Idle >= q.config.VisibilityTimeout {
				stale = append(stale, e.ID)
			}
		}
		if len(stale) == 0 {
			continue
		}

		claimed, err := q.adapter.XClaim(ctx, stream, q.config.ConsumerGroup, q.config.ConsumerName, q.config.VisibilityTimeout, stale...)
		if err != nil {
			return requeued, deadLettered, fmt.Errorf("claim pending on lane %s: %w", lane, err)
		}

		for _, m := range claimed {
			d, derr := q.toDelivery(lane, m)
			switch {
			case derr != nil:
				logger.Error("dropping undecodable task", "lane", lane, "stream_id", m.ID, "error", derr)
			case d.Attempt >= q.config.MaxDeliveries:
				q.deadLetter(ctx, d)
				deadLettered++
			default:
				if _, err := q.add(ctx, d.Task, d.Attempt+1); err != nil {
					return requeued, deadLettered, err
				}
				requeued++
				logger.Warn("task redelivered", "task_id", d.ID, "type", d.Type, "attempt", d.Attempt+1)
			}
			_ = q.ack(ctx, lane, m.ID)
		}
	}
	return requeued, deadLettered, nil
}

func (q *Queue) deadLetter(ctx context.Context, d *Delivery) {
	logger.Error("task exhausted its deliveries", "task_id", d.ID, "type", d.Type, "attempts", d.Attempt)
	if !q.config.EnableDLQ {
		return
	}
	raw, _ := json.Marshal(d.Task)
	_, err := q.adapter.XAdd(ctx, q.deadLetterKey(), map[string]interface{}{
		fieldTask:     string(raw),
		fieldAttempt:  d.Attempt,
		"original_id": d.StreamID,
		"lane":        string(d.Lane),
		"failed_at":   time.Now().Unix(),
	})
	if err != nil {
		logger.Error("dead letter write failed", "task_id", d.ID, "error", err)
	}
}

func (q *Queue) ack(ctx context.Context, lane Lane, streamID string) error {
	stream := q.streamKey(lane)
	if err := q.adapter.XAck(ctx, stream, q.config.ConsumerGroup, streamID); err != nil {
		return err
	}
	return q.adapter.XDel(ctx, stream, streamID)
}

func (q *Queue) toDelivery(lane Lane, m redis.StreamMessage) (*Delivery, error) {
	raw, ok := m.Values[fieldTask].(string)
	if !ok {
		return nil, errors.New("missing task field")
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, err
	}
	task.Lane = lane

	attempt := int64(1)
	if s, ok := m.Values[fieldAttempt].(string); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			attempt = n
		}
	}
	return &Delivery{Task: task, StreamID: m.ID, Attempt: attempt, queue: q}, nil
}

// Stats reports lane backlogs and publishes them as gauges.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for _, lane := range Lanes {
		depth, err := q.adapter.XLen(ctx, q.streamKey(lane))
		if err != nil {
			return nil, err
		}
		pending, err := q.adapter.XPendingCount(ctx, q.streamKey(lane), q.config.ConsumerGroup)
		if err != nil {
			return nil, err
		}
		stats.Lanes = append(stats.Lanes, LaneStats{Lane: lane, Depth: depth, Pending: pending})
		prom.LaneDepth(string(lane), depth)
	}

	var err error
	if stats.Delayed, err = q.adapter.ZCard(ctx, q.delayedKey()); err != nil {
		return nil, err
	}
	if stats.DeadLetter, err = q.adapter.XLen(ctx, q.deadLetterKey()); err != nil {
		return nil, err
	}
	return stats, nil
}
