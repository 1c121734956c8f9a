package repository

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createJob(t *testing.T, repo *JobRepository, total int) *model.Job {
	job, err := repo.Create(context.Background(), &model.Job{
		SourceFile:    "/tmp/uploads/a/contacts.csv",
		ChannelID:     3,
		Delay:         1,
		TotalMessages: total,
		CorrelationID: "task-1",
	})
	require.NoError(t, err)
	return job
}

func batchFor(jobID int64, n int) []*model.Message {
	msgs := make([]*model.Message, n)
	for i := range msgs {
		msgs[i] = &model.Message{JobID: &jobID, Recipient: "+1234567890", Content: "hi", ChannelID: 3}
	}
	return msgs
}

func TestMessageRepository_Create(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	created, err := repo.Create(ctx, &model.Message{
		Recipient: "+1234567890",
		Content:   "Test message",
		ChannelID: 3,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, model.MessageStatusPending, created.Status)
	assert.Nil(t, created.JobID)
	assert.NotZero(t, created.CreatedAt)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "+1234567890", got.Recipient)
	assert.Equal(t, 3, got.ChannelID)
}

func TestMessageRepository_GetByID_NotFound(t *testing.T) {
	repo := NewMessageRepository(setupTestDB(t))

	_, err := repo.GetByID(context.Background(), 404)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMessageRepository_CreateBatch(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	job := createJob(t, jobs, 5)

	ids, err := repo.CreateBatch(ctx, batchFor(job.ID, 5))
	require.NoError(t, err)
	require.Len(t, ids, 5)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	counts, err := repo.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCounts{Pending: 5}, counts)

	t.Run("empty batch", func(t *testing.T) {
		ids, err := repo.CreateBatch(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestMessageRepository_StatusTransitions(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	msg, err := repo.Create(ctx, &model.Message{Recipient: "+1234567890", Content: "x", ChannelID: 3})
	require.NoError(t, err)

	ok, err := repo.MarkProcessing(ctx, msg.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.RecordAttempt(ctx, msg.ID, 2, "device offline"))
	got, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "device offline", got.LastError)
	require.NotNil(t, got.ProcessingAt)

	ok, err = repo.MarkSent(ctx, msg.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("terminal status is never overwritten", func(t *testing.T) {
		ok, err := repo.MarkFailed(ctx, msg.ID, "late failure")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.MarkProcessing(ctx, msg.ID, now)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetByID(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusSent, got.Status)
		require.NotNil(t, got.SentAt)
		assert.Empty(t, got.LastError)
	})
}

func TestMessageRepository_FailStaleProcessing(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	job := createJob(t, jobs, 3)

	ids, err := repo.CreateBatch(ctx, batchFor(job.ID, 3))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = repo.MarkProcessing(ctx, ids[0], now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, ids[1], now)
	require.NoError(t, err)

	n, err := repo.FailStaleProcessing(ctx, job.ID, now.Add(-15*time.Minute), "processing timeout")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := repo.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCounts{Pending: 1, Processing: 1, Failed: 1}, counts)

	stale, err := repo.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "processing timeout", stale.LastError)
}

func TestMessageRepository_FailByJob(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	job := createJob(t, jobs, 3)
	other := createJob(t, jobs, 1)
	ids, err := repo.CreateBatch(ctx, batchFor(job.ID, 3))
	require.NoError(t, err)
	_, err = repo.CreateBatch(ctx, batchFor(other.ID, 1))
	require.NoError(t, err)

	_, err = repo.MarkSent(ctx, ids[0], time.Now().UTC())
	require.NoError(t, err)

	n, err := repo.FailByJob(ctx, job.ID, "job cancelled", model.MessageStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := repo.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCounts{Sent: 1, Failed: 2}, counts)

	otherCounts, err := repo.CountByJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), otherCounts.Pending)

	all, err := repo.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.Total())
}

func TestMessageRepository_List(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	job := createJob(t, jobs, 5)

	ids, err := repo.CreateBatch(ctx, batchFor(job.ID, 5))
	require.NoError(t, err)
	_, err = repo.Create(ctx, &model.Message{Recipient: "+1999999999", Content: "solo", ChannelID: 3})
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, ids[4], "rejected")
	require.NoError(t, err)

	t.Run("by job with pagination", func(t *testing.T) {
		msgs, total, err := repo.List(ctx, model.MessageFilter{JobID: ptr(job.ID), Page: 1, PerPage: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, msgs, 2)
		assert.Equal(t, ids[4], msgs[0].ID)
	})

	t.Run("by status", func(t *testing.T) {
		msgs, total, err := repo.List(ctx, model.MessageFilter{Statuses: []model.MessageStatus{model.MessageStatusFailed}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Len(t, msgs, 1)
	})

	t.Run("page beyond the end", func(t *testing.T) {
		msgs, total, err := repo.List(ctx, model.MessageFilter{Page: 9, PerPage: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(6), total)
		assert.Empty(t, msgs)
	})
}
