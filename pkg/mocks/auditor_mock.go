package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/datachoreography/choreo/pkg/models"
)

// MockAuditor is a mock implementation of the compliance chain append seam
// shared by the engine, the approval gate and the services.
type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) Append(
	ctx context.Context,
	tenantID string,
	category models.ComplianceCategory,
	eventType, actor string,
	payload map[string]any,
) (*models.ComplianceEvent, error) {
	args := m.Called(ctx, tenantID, category, eventType, actor, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ComplianceEvent), args.Error(1)
}
