package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/sweeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDeviceChecker struct {
	mock.Mock
}

func (m *MockDeviceChecker) Check(ctx context.Context) *model.DeviceStatus {
	args := m.Called(ctx)
	return args.Get(0).(*model.DeviceStatus)
}

type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Sweep(ctx context.Context) (sweeper.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(sweeper.Report), args.Error(1)
}

func maintenanceDelivery(t *testing.T, typ queue.TaskType) *queue.Delivery {
	task, err := queue.NewTask(typ, queue.LaneMaintenance, nil)
	require.NoError(t, err)
	return &queue.Delivery{Task: task, Attempt: 1}
}

func TestCheckDeviceProcessor(t *testing.T) {
	checker := new(MockDeviceChecker)
	checker.On("Check", mock.Anything).Return(&model.DeviceStatus{Connected: false, State: model.DeviceStateOffline}).Once()

	p := NewCheckDeviceProcessor(checker)
	assert.Equal(t, queue.TaskCheckDevice, p.Type())

	// a disconnected device is a result, not a task failure
	assert.NoError(t, p.Process(context.Background(), maintenanceDelivery(t, queue.TaskCheckDevice)))
	checker.AssertExpectations(t)
}

func TestSweepProcessor(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		s := new(MockSweeper)
		s.On("Sweep", mock.Anything).Return(sweeper.Report{Scanned: 3, Removed: 2, Missing: 1}, nil).Once()

		p := NewSweepProcessor(s)
		assert.Equal(t, queue.TaskSweep, p.Type())
		assert.NoError(t, p.Process(context.Background(), maintenanceDelivery(t, queue.TaskSweep)))
		s.AssertExpectations(t)
	})

	t.Run("listing failure asks for redelivery", func(t *testing.T) {
		s := new(MockSweeper)
		s.On("Sweep", mock.Anything).Return(sweeper.Report{}, errors.New("db down")).Once()

		err := NewSweepProcessor(s).Process(context.Background(), maintenanceDelivery(t, queue.TaskSweep))
		assert.EqualError(t, err, "db down")
	})
}
