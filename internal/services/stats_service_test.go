package services

import (
	"context"
	"errors"
	"testing"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsService_Stats(t *testing.T) {
	db := helpers.SetupTestDB(t)
	messages := repository.NewMessageRepository(db)
	jobs := repository.NewJobRepository(db)
	device := repository.NewDeviceStatusRepository(db)
	ctx := context.Background()

	helpers.CreateTestJob(t, db, 3)
	msg := helpers.CreateTestMessage(t, db, "+15550000009", "single")
	_, err := messages.MarkFailed(ctx, msg.ID, "boom")
	require.NoError(t, err)

	service := NewStatsService(messages, jobs, device)

	stats, err := service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageStats{Total: 4, Pending: 3, Failed: 1}, stats.Messages)
	assert.Equal(t, JobStats{Total: 1, Processing: 1}, stats.Jobs)
	assert.Nil(t, stats.Device)

	_, err = device.Upsert(ctx, &model.DeviceStatus{ID: model.DeviceStatusRowID, Connected: true, State: model.DeviceStateDevice})
	require.NoError(t, err)

	stats, err = service.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.Device)
	assert.True(t, stats.Device.Connected)
}

type failingCounter struct{}

func (failingCounter) CountAll(context.Context) (model.StatusCounts, error) {
	return model.StatusCounts{}, errors.New("db down")
}

func TestStatsService_StatsError(t *testing.T) {
	db := helpers.SetupTestDB(t)
	service := NewStatsService(failingCounter{}, repository.NewJobRepository(db), repository.NewDeviceStatusRepository(db))

	_, err := service.Stats(context.Background())
	assert.ErrorContains(t, err, "count messages")
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthService_Check(t *testing.T) {
	service := NewHealthService("0.2.0", map[string]Pinger{
		"db":    pingFunc(func(context.Context) error { return nil }),
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	assert.Equal(t, "0.2.0", service.Version())
	assert.Equal(t, map[string]string{"redis": "connection refused"}, service.Check(context.Background()))
}
