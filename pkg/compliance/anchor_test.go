package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/persistence"
)

const testPeriod = "2026-03-01"

func closePeriod(chain *Chain) {
	after := testDay.AddDate(0, 0, 2)
	chain.clock = func() time.Time { return after }
}

func TestParsePeriod(t *testing.T) {
	t.Parallel()

	start, end, err := ParsePeriod(testPeriod)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	_, _, err = ParsePeriod("March 1")
	require.ErrorIs(t, err, ErrInvalidPeriod)

	assert.Equal(t, testPeriod, PeriodOf(testDay))
}

func TestComputeAnchor_IsIdempotent(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	events := appendEvents(t, chain, 3)
	closePeriod(chain)

	ctx := context.Background()

	first, err := chain.ComputeAnchor(ctx, testTenant, testPeriod)
	require.NoError(t, err)

	assert.Equal(t, 3, first.EventCount)
	assert.Equal(t, int64(1), first.FirstSequence)
	assert.Equal(t, int64(3), first.LastSequence)

	root, err := MerkleRoot([]string{events[0].Digest, events[1].Digest, events[2].Digest})
	require.NoError(t, err)
	assert.Equal(t, root, first.MerkleRoot)
	assert.NotEmpty(t, first.HMAC)

	second, err := chain.ComputeAnchor(ctx, testTenant, testPeriod)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.MerkleRoot, second.MerkleRoot)
	assert.Equal(t, first.EventCount, second.EventCount)
}

func TestComputeAnchor_EmptyPeriod(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	closePeriod(chain)

	anchor, err := chain.ComputeAnchor(context.Background(), testTenant, testPeriod)
	require.NoError(t, err)

	assert.Zero(t, anchor.EventCount)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", anchor.MerkleRoot)
}

func TestComputeAnchor_RejectsOpenPeriod(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	appendEvents(t, chain, 1)

	_, err := chain.ComputeAnchor(context.Background(), testTenant, testPeriod)
	require.ErrorIs(t, err, ErrOpenPeriod)
	assert.True(t, faults.IsValidation(err))
}

func TestVerifyAnchor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		chain, _ := newTestChain(t, "secret")
		appendEvents(t, chain, 4)
		closePeriod(chain)

		_, err := chain.ComputeAnchor(ctx, testTenant, testPeriod)
		require.NoError(t, err)

		report, err := chain.VerifyAnchor(ctx, testTenant, testPeriod)
		require.NoError(t, err)

		assert.True(t, report.Valid)
		assert.Empty(t, report.Mismatches)
		assert.Equal(t, 4, report.EventCount)
	})

	t.Run("dropped event", func(t *testing.T) {
		t.Parallel()

		chain, root := newTestChain(t, "secret")
		appendEvents(t, chain, 4)
		closePeriod(chain)

		_, err := chain.ComputeAnchor(ctx, testTenant, testPeriod)
		require.NoError(t, err)

		require.NoError(t, removeEvent(root, 2))

		report, err := chain.VerifyAnchor(ctx, testTenant, testPeriod)
		require.NoError(t, err)

		assert.False(t, report.Valid)
		assert.Equal(t, []string{MismatchCount, MismatchRoot}, report.Mismatches)
	})

	t.Run("different secret", func(t *testing.T) {
		t.Parallel()

		chain, _ := newTestChain(t, "secret")
		appendEvents(t, chain, 2)
		closePeriod(chain)

		_, err := chain.ComputeAnchor(ctx, testTenant, testPeriod)
		require.NoError(t, err)

		other := NewChain(chain.repo, []byte("rotated"), chain.logger)

		report, err := other.VerifyAnchor(ctx, testTenant, testPeriod)
		require.NoError(t, err)

		assert.False(t, report.Valid)
		assert.Equal(t, []string{MismatchHMAC}, report.Mismatches)
	})

	t.Run("missing anchor", func(t *testing.T) {
		t.Parallel()

		chain, _ := newTestChain(t, "secret")

		_, err := chain.VerifyAnchor(ctx, testTenant, testPeriod)
		require.ErrorIs(t, err, persistence.ErrAnchorNotFound)
	})
}
