package repository

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRepository_CreateAndGet(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	job := createJob(t, repo, 10)
	assert.NotZero(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.TotalMessages)
	assert.Equal(t, "task-1", got.CorrelationID)
	assert.Nil(t, got.CompletedAt)

	_, err = repo.GetByID(ctx, 999)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()
	job := createJob(t, repo, 4)

	ok, err := repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.UpdateProgress(ctx, job.ID, 1, 1))

	t.Run("counters never move backwards", func(t *testing.T) {
		require.NoError(t, repo.UpdateProgress(ctx, job.ID, 0, 1))
		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.SuccessfulMessages)
	})

	ok, err = repo.Finish(ctx, job.ID, model.JobStatusCompleted, 3, 1, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.SuccessfulMessages)
	assert.Equal(t, 1, got.FailedMessages)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, float64(100), got.Progress())

	t.Run("finished job is frozen", func(t *testing.T) {
		ok, err := repo.Finish(ctx, job.ID, model.JobStatusFailed, 0, 4, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = repo.Finish(ctx, job.ID, model.JobStatusProcessing, 0, 0, time.Now().UTC())
		assert.Error(t, err)
	})
}

func TestJobRepository_MarkIngestFailed(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()
	job := createJob(t, repo, 7)

	ok, err := repo.MarkIngestFailed(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 7, got.FailedMessages)
	assert.NotNil(t, got.CompletedAt)
}

func TestJobRepository_RequestCancel(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()
	job := createJob(t, repo, 2)

	got, err := repo.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	cancelled, err := repo.IsCancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = repo.RequestCancel(ctx, 12345)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = repo.Finish(ctx, job.ID, model.JobStatusCancelled, 0, 2, time.Now().UTC())
	require.NoError(t, err)
	_, err = repo.RequestCancel(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrJobTerminal)
}

func TestJobRepository_ListSweepable(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	mk := func(status model.JobStatus, created time.Time, file string) *model.Job {
		j, err := repo.Create(ctx, &model.Job{SourceFile: file, ChannelID: 3, Delay: 1, Status: status, CreatedAt: created})
		require.NoError(t, err)
		return j
	}

	oldDone := mk(model.JobStatusCompleted, old, "/tmp/a.csv")
	mk(model.JobStatusCompleted, now, "/tmp/b.csv")
	mk(model.JobStatusProcessing, old, "/tmp/c.csv")
	oldFailed := mk(model.JobStatusFailed, old, "/tmp/d.csv")
	mk(model.JobStatusCancelled, old, "")

	jobs, err := repo.ListSweepable(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, oldDone.ID, jobs[0].ID)
	assert.Equal(t, oldFailed.ID, jobs[1].ID)

	require.NoError(t, repo.MarkArtifactRemoved(ctx, oldDone.ID))
	jobs, err = repo.ListSweepable(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJobRepository_ListAndCount(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 12; i++ {
		status := model.JobStatusCompleted
		if i%3 == 0 {
			status = model.JobStatusProcessing
		}
		_, err := repo.Create(ctx, &model.Job{
			SourceFile:    "/tmp/x.csv",
			ChannelID:     3,
			Delay:         1,
			Status:        status,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			CorrelationID: "task-x",
		})
		require.NoError(t, err)
	}

	jobs, total, err := repo.List(ctx, model.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)
	require.Len(t, jobs, model.DefaultJobPageSize)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))

	jobs, _, err = repo.List(ctx, model.JobFilter{Page: 2, PerPage: 500})
	require.NoError(t, err)
	assert.Empty(t, jobs, "per_page is clamped to the maximum, one page holds all")

	_, total, err = repo.List(ctx, model.JobFilter{CorrelationID: "nope"})
	require.NoError(t, err)
	assert.Zero(t, total)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 4)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), counts[model.JobStatusCompleted])
	assert.Equal(t, int64(4), counts[model.JobStatusProcessing])
}
