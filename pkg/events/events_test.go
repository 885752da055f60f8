package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	original := RunStepCompleted{
		BaseEvent:     NewBaseEvent(RunStepCompletedEvent, "acme", "wf-1"),
		RunID:         "run-1",
		StepOrder:     1,
		NextStepOrder: 2,
		Provider:      "http",
		Action:        "request",
	}

	payload, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := Decode(RunStepCompletedEvent, payload)
	require.NoError(t, err)

	event, ok := decoded.(*RunStepCompleted)
	require.True(t, ok)
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, 2, event.NextStepOrder)
	assert.Equal(t, "acme", event.TenantID)
	assert.Equal(t, RunStepCompletedEvent, event.GetType())
}

func TestDecode_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := Decode("workflow.published", []byte(`{}`))
	require.Error(t, err)

	_, err = Decode(RunFailedEvent, []byte(`{`))
	require.Error(t, err)
}

func TestNewBaseEvent(t *testing.T) {
	t.Parallel()

	a := NewBaseEvent(RunTriggeredEvent, "acme", "wf-1")
	b := NewBaseEvent(RunTriggeredEvent, "acme", "wf-1")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, RunTriggeredEvent, a.Type)
	assert.False(t, a.Timestamp.IsZero())
}
