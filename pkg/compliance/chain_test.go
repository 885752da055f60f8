package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence/file"
)

const testTenant = "acme"

var testDay = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestChain(t *testing.T, secret string) (*Chain, string) {
	t.Helper()

	root := t.TempDir()
	chain := NewChain(file.NewPersistence(root).ComplianceRepository(), []byte(secret),
		slog.New(slog.NewTextHandler(os.Stderr, nil)))

	now := testDay
	chain.clock = func() time.Time {
		now = now.Add(time.Second)

		return now
	}

	return chain, root
}

func appendEvents(t *testing.T, chain *Chain, n int) []*models.ComplianceEvent {
	t.Helper()

	events := make([]*models.ComplianceEvent, 0, n)

	for i := range n {
		event, err := chain.Append(context.Background(), testTenant, models.CategorySystem, "run.step_completed", "system",
			map[string]any{"step_order": i, "email": "ada@example.com"})
		require.NoError(t, err)

		events = append(events, event)
	}

	return events
}

func eventPath(root string, sequence int64) string {
	return filepath.Join(root, testTenant, "compliance", "events", fmt.Sprintf("%020d.json", sequence))
}

func rewriteEvent(t *testing.T, root string, sequence int64, mutate func(*models.ComplianceEvent)) {
	t.Helper()

	path := eventPath(root, sequence)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var event models.ComplianceEvent
	require.NoError(t, json.Unmarshal(data, &event))

	mutate(&event)

	data, err = json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestChain_AppendLinksEvents(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	events := appendEvents(t, chain, 3)

	assert.Equal(t, models.GenesisDigest, events[0].PrevDigest)

	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Len(t, e.Digest, 64)
		assert.Equal(t, Redacted(PIIIdentity), e.Payload["email"])

		if i > 0 {
			assert.Equal(t, events[i-1].Digest, e.PrevDigest)
		}
	}
}

func TestChain_AppendValidation(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	ctx := context.Background()

	_, err := chain.Append(ctx, testTenant, "bogus", "x", "system", nil)
	require.ErrorIs(t, err, ErrInvalidCategory)
	assert.True(t, faults.IsValidation(err))

	_, err = chain.Append(ctx, testTenant, models.CategorySystem, "", "system", nil)
	require.ErrorIs(t, err, ErrMissingEventType)

	_, err = chain.Append(ctx, testTenant, models.CategorySystem, "x", "system", map[string]any{"bad": make(chan int)})
	assert.True(t, faults.IsValidation(err))
}

func TestChain_VerifyIntactChain(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	appendEvents(t, chain, 5)

	report, err := chain.VerifyChain(context.Background(), testTenant, models.EventRange{})
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Checked)
	assert.Empty(t, report.Violations)
}

func TestChain_VerifyEmptyChain(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")

	report, err := chain.VerifyChain(context.Background(), "nobody", models.EventRange{})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Checked)
}

func TestChain_VerifyDetectsTamperedDigest(t *testing.T) {
	t.Parallel()

	chain, root := newTestChain(t, "secret")
	appendEvents(t, chain, 5)

	rewriteEvent(t, root, 3, func(e *models.ComplianceEvent) {
		e.Digest = "ff" + e.Digest[2:]
	})

	report, err := chain.VerifyChain(context.Background(), testTenant, models.EventRange{})
	require.NoError(t, err)

	require.False(t, report.Valid)

	got := make([]string, 0, len(report.Violations))
	for _, v := range report.Violations {
		got = append(got, fmt.Sprintf("%d:%s", v.Sequence, v.Kind))
	}

	assert.Equal(t, []string{
		"3:" + ViolationDigestMismatch,
		"4:" + ViolationPrevLinkMismatch,
		"5:" + ViolationPrevLinkMismatch,
	}, got)
}

func TestChain_VerifyDetectsPayloadMutation(t *testing.T) {
	t.Parallel()

	chain, root := newTestChain(t, "secret")
	appendEvents(t, chain, 3)

	rewriteEvent(t, root, 2, func(e *models.ComplianceEvent) {
		e.Payload["step_order"] = 99.0
	})

	report, err := chain.VerifyChain(context.Background(), testTenant, models.EventRange{})
	require.NoError(t, err)

	require.False(t, report.Valid)
	assert.Equal(t, int64(2), report.Violations[0].Sequence)
	assert.Equal(t, ViolationDigestMismatch, report.Violations[0].Kind)
}

func TestChain_VerifyDetectsDroppedEvent(t *testing.T) {
	t.Parallel()

	chain, root := newTestChain(t, "secret")
	appendEvents(t, chain, 4)

	require.NoError(t, os.Remove(eventPath(root, 2)))

	report, err := chain.VerifyChain(context.Background(), testTenant, models.EventRange{})
	require.NoError(t, err)

	require.False(t, report.Valid)

	kinds := map[string]bool{}
	for _, v := range report.Violations {
		if v.Sequence == 3 {
			kinds[v.Kind] = true
		}
	}

	assert.True(t, kinds[ViolationSequenceGap])
	assert.True(t, kinds[ViolationPrevLinkMismatch])
}

func TestChain_VerifyRangeAttachesToPredecessor(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	events := appendEvents(t, chain, 5)

	report, err := chain.VerifyChain(context.Background(), testTenant, models.EventRange{
		From: events[2].Timestamp,
		To:   events[4].Timestamp,
	})
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Checked)
}

func TestChain_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	chain.clock = func() time.Time { return time.Now().UTC() }

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := chain.Append(context.Background(), testTenant, models.CategoryUserAction, "workflow.created",
				fmt.Sprintf("user-%d", i), nil)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	report, err := chain.VerifyChain(context.Background(), testTenant, models.EventRange{})
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 20, report.Checked)
}

func TestChain_TenantChainsAreIndependent(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain(t, "secret")
	ctx := context.Background()

	a, err := chain.Append(ctx, "tenant-a", models.CategorySystem, "x", "system", nil)
	require.NoError(t, err)

	b, err := chain.Append(ctx, "tenant-b", models.CategorySystem, "x", "system", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(1), b.Sequence)
	assert.Equal(t, models.GenesisDigest, b.PrevDigest)
}

func removeEvent(root string, sequence int64) error {
	return os.Remove(eventPath(root, sequence))
}
