package kafka

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrokers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func TestCreateChannel_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, _, err := CreateChannel(watermill.NopLogger{}, nil, "worker")
	require.ErrorIs(t, err, ErrNoBrokers)
}
