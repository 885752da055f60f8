package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/otelhelper"
	"github.com/datachoreography/choreo/pkg/protocol"
)

// invoke calls the step's action at most once per run step. A step re-executed
// after its lease was reclaimed replays the recorded output.
func (e *Engine) invoke(ctx context.Context, run *models.Run, step *models.Step, params map[string]any) (map[string]any, bool, error) {
	var credentials models.Credentials

	if step.ConnectionID != "" {
		creds, err := e.credentials.Fetch(ctx, run.TenantID, step.ConnectionID)
		if err != nil {
			return nil, false, err
		}

		credentials = creds
	}

	action, err := e.registry.CreateAction(step.Provider, step.Action)
	if err != nil {
		return nil, false, err
	}

	key := stepKey(run.ID, step.Order)

	inv := protocol.Invocation{
		Params:         params,
		Credentials:    credentials,
		IdempotencyKey: key,
		Logger: e.logger.With(
			"tenant_id", run.TenantID, "run_id", run.ID, "step_order", step.Order,
			"provider", step.Provider, "action", step.Action),
	}

	return idempotency.Do(ctx, e.stepLedger, run.TenantID, idempotency.ActionScope(step.Provider, step.Action), key,
		func(ctx context.Context) (map[string]any, error) {
			return e.invokeWithRetry(ctx, action, inv, step)
		})
}

// invokeWithRetry makes up to step.Attempts() attempts, each bounded by the
// step timeout, separated by exponential backoff with full jitter.
func (e *Engine) invokeWithRetry(ctx context.Context, action protocol.Action, inv protocol.Invocation, step *models.Step) (map[string]any, error) {
	var (
		output  map[string]any
		attempt int
	)

	operation := func() error {
		attempt++

		attemptCtx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.invoke",
			attribute.String(otelhelper.ProviderKey, step.Provider),
			attribute.String(otelhelper.ActionKey, step.Action),
			attribute.Int(otelhelper.AttemptKey, attempt),
		)
		defer span.End()

		attemptCtx, cancel := context.WithTimeout(attemptCtx, step.Timeout())
		defer cancel()

		out, err := action.Invoke(attemptCtx, inv)
		if err != nil {
			otelhelper.SetError(span, err)

			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}

			if faults.IsValidation(err) {
				return backoff.Permanent(err)
			}

			return err
		}

		if out == nil {
			out = map[string]any{}
		}

		output = out

		return nil
	}

	notify := func(err error, wait time.Duration) {
		inv.Logger.WarnContext(ctx, "Step attempt failed, retrying",
			"attempt", attempt, "max_attempts", step.Attempts(), "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, e.newBackOff(ctx, step.Attempts()), notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}

		if faults.IsValidation(err) {
			return nil, err
		}

		return nil, faults.Execution("Invoke", fmt.Errorf("%s.%s after %d attempt(s): %w", step.Provider, step.Action, attempt, err))
	}

	return output, nil
}

func (e *Engine) newBackOff(ctx context.Context, attempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.backoffInitial
	exp.MaxInterval = e.backoffMax
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(fullJitter{exp}, uint64(max(attempts-1, 0))), ctx)
}

// fullJitter draws each wait uniformly from [0, d] where d is the wrapped
// exponential interval.
type fullJitter struct {
	backoff.BackOff
}

func (j fullJitter) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d <= 0 {
		return d
	}

	return rand.N(d + 1)
}

func stepKey(runID string, order int) string {
	return runID + ":" + strconv.Itoa(order)
}
