package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockLocker is a mock implementation of lock.Locker interface.
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Acquire(ctx context.Context, tenantID, runID, workerID string) (bool, error) {
	args := m.Called(ctx, tenantID, runID, workerID)

	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) Release(ctx context.Context, tenantID, runID, workerID string) (bool, error) {
	args := m.Called(ctx, tenantID, runID, workerID)

	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) Extend(ctx context.Context, tenantID, runID, workerID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, tenantID, runID, workerID, ttl)

	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) SweepExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

func (m *MockLocker) TTL() time.Duration {
	args := m.Called()

	return args.Get(0).(time.Duration)
}
