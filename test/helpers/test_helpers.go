package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB returns an in-memory sqlite database with every table migrated.
func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	out := pg.New(db, db)
	require.NoError(t, out.AutoMigrate(repository.Entities()...))
	return out
}

// SetupTestRedis starts a miniredis and registers an adapter under a name
// unique to the test, so cached adapters never leak across tests.
func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)

	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "test:", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

// CreateTestJob inserts a processing job with total messages, all pending.
func CreateTestJob(t *testing.T, db *pg.DB, total int) (*model.Job, []int64) {
	ctx := context.Background()
	jobs := repository.NewJobRepository(db)
	messages := repository.NewMessageRepository(db)

	job, err := jobs.Create(ctx, &model.Job{
		SourceFile:    "/tmp/uploads/test/contacts.csv",
		ChannelID:     model.DefaultChannelID,
		Delay:         0.1,
		Status:        model.JobStatusProcessing,
		TotalMessages: total,
		CorrelationID: "task-" + t.Name(),
	})
	require.NoError(t, err)

	msgs := make([]*model.Message, total)
	for i := range msgs {
		msgs[i] = &model.Message{
			JobID:     &job.ID,
			Recipient: "+1234567890",
			Content:   "hello",
			ChannelID: model.DefaultChannelID,
		}
	}
	ids, err := messages.CreateBatch(ctx, msgs)
	require.NoError(t, err)
	return job, ids
}

// CreateTestMessage inserts a standalone pending message.
func CreateTestMessage(t *testing.T, db *pg.DB, recipient, content string) *model.Message {
	msg, err := repository.NewMessageRepository(db).Create(context.Background(), &model.Message{
		Recipient: recipient,
		Content:   content,
		ChannelID: model.DefaultChannelID,
	})
	require.NoError(t, err)
	return msg
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}
