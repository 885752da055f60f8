package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/stretchr/testify/assert"
)

func TestEntityError_Classification(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("load: %w", NewEntityError("Get", "run", "r1", ErrRunNotFound))

	assert.True(t, IsRunNotFound(err))
	assert.True(t, faults.IsNotFound(err))
	assert.False(t, faults.IsConflict(err))
	assert.Equal(t, "run_not_found", faults.CodeOf(err, "internal"))
	assert.Contains(t, err.Error(), "Get operation failed for run r1")
}

func TestIsStateConflict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "run conflict", err: NewEntityError("UpdateState", "run", "r1", ErrRunStateConflict), want: true},
		{name: "approval conflict", err: ErrApprovalStateConflict, want: true},
		{name: "other conflict", err: ErrRunAlreadyExists, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsStateConflict(tt.err))
			assert.Equal(t, tt.want || errors.Is(tt.err, ErrRunAlreadyExists), faults.IsConflict(tt.err))
		})
	}
}
