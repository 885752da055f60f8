package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) Create(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) Get(ctx context.Context, tenantID, id string) (*models.Run, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) GetByIdempotencyKey(ctx context.Context, tenantID, workflowID, key string) (*models.Run, error) {
	args := m.Called(ctx, tenantID, workflowID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) List(ctx context.Context, tenantID string, status models.RunStatus) ([]*models.Run, error) {
	args := m.Called(ctx, tenantID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.Run, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) CountByCorrelation(ctx context.Context, tenantID, correlationID string) (int, error) {
	args := m.Called(ctx, tenantID, correlationID)

	return args.Int(0), args.Error(1)
}

func (m *MockRunRepository) UpdateState(ctx context.Context, run *models.Run, cond persistence.UpdateCondition) error {
	args := m.Called(ctx, run, cond)

	return args.Error(0)
}

func (m *MockRunRepository) AcquireLock(ctx context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error) {
	args := m.Called(ctx, tenantID, runID, holder, now, expiresAt)

	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) ReleaseLock(ctx context.Context, tenantID, runID, holder string) (bool, error) {
	args := m.Called(ctx, tenantID, runID, holder)

	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) ExtendLock(ctx context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error) {
	args := m.Called(ctx, tenantID, runID, holder, now, expiresAt)

	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) ClearExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)

	return args.Int(0), args.Error(1)
}
