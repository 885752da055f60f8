package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/persistence/file"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	return NewLedger(p.IdempotencyRepository(), time.Hour, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestLedger_CheckOrReserve(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-1"), "K1")
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	_, err = l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-1"), "K1")
	require.ErrorIs(t, err, ErrInProgress)
	assert.True(t, faults.IsConflict(err))

	require.NoError(t, l.Complete(ctx, "tenant-a", WorkflowScope("wf-1"), "K1", map[string]string{"run_id": "r-1"}))

	res, err = l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-1"), "K1")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.JSONEq(t, `{"run_id":"r-1"}`, string(res.Response))

	res, err = l.CheckOrReserve(ctx, "tenant-b", WorkflowScope("wf-1"), "K1")
	require.NoError(t, err)
	assert.True(t, res.IsNew, "keys are tenant scoped")

	res, err = l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-2"), "K1")
	require.NoError(t, err)
	assert.True(t, res.IsNew, "keys are operation scoped")

	_, err = l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-1"), "")
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestLedger_ExpiredKeyIsReusable(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	l.clock = func() time.Time { return now }

	_, err := l.CheckOrReserve(ctx, "tenant-a", "scope", "K1")
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, "tenant-a", "scope", "K1", "first"))

	l.clock = func() time.Time { return now.Add(2 * time.Hour) }

	res, err := l.CheckOrReserve(ctx, "tenant-a", "scope", "K1")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}

func TestLedger_ConcurrentReserveHasOneWinner(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, err := l.CheckOrReserve(ctx, "tenant-a", "scope", "K1")
			if err == nil && res.IsNew {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestDo(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	type response struct {
		RunID string `json:"run_id"`
	}

	calls := 0
	fn := func(context.Context) (response, error) {
		calls++

		return response{RunID: "r-1"}, nil
	}

	first, replayed, err := Do(ctx, l, "tenant-a", "scope", "K1", fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := Do(ctx, l, "tenant-a", "scope", "K1", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestDo_FailureReleasesKey(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	boom := errors.New("boom")

	_, _, err := Do(ctx, l, "tenant-a", "scope", "K1", func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	out, replayed, err := Do(ctx, l, "tenant-a", "scope", "K1", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "ok", out)
}

func TestLedger_Purge(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	l.clock = func() time.Time { return now }

	_, err := l.CheckOrReserve(ctx, "tenant-a", "scope", "K1")
	require.NoError(t, err)

	n, err := l.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	l.clock = func() time.Time { return now.Add(time.Hour) }

	n, err = l.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLedger_StaleReservationIsReclaimable(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	l.clock = func() time.Time { return now }

	res, err := l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-1"), "K1")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	l.clock = func() time.Time { return now.Add(DefaultInProgressTTL - time.Second) }

	_, err = l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-1"), "K1")
	require.ErrorIs(t, err, ErrInProgress)

	l.clock = func() time.Time { return now.Add(DefaultInProgressTTL) }

	res, err = l.CheckOrReserve(ctx, "tenant-a", WorkflowScope("wf-1"), "K1")
	require.NoError(t, err)
	assert.True(t, res.IsNew, "a reservation abandoned without completion lapses")
}

func TestLedger_CompletedKeyKeepsFullRetention(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	l.clock = func() time.Time { return now }

	_, err := l.CheckOrReserve(ctx, "tenant-a", "scope", "K1")
	require.NoError(t, err)

	l.clock = func() time.Time { return now.Add(time.Minute) }
	require.NoError(t, l.Complete(ctx, "tenant-a", "scope", "K1", "first"))

	l.clock = func() time.Time { return now.Add(time.Minute + 59*time.Minute) }

	res, err := l.CheckOrReserve(ctx, "tenant-a", "scope", "K1")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.JSONEq(t, `"first"`, string(res.Response))
}

func TestLedger_InProgressTTLOption(t *testing.T) {
	t.Parallel()

	p := file.NewPersistence(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	assert.Equal(t, 10*time.Second,
		NewLedger(p.IdempotencyRepository(), time.Hour, logger, WithInProgressTTL(10*time.Second)).inProgressTTL)
	assert.Equal(t, time.Minute,
		NewLedger(p.IdempotencyRepository(), time.Minute, logger).inProgressTTL, "capped by retention")
}
