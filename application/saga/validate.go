package saga

import (
	"context"
	"time"

	"ordersaga/errs"
	"ordersaga/infrastructure/sagastore"

	"go.uber.org/zap"
)

// validate runs the four-step validation pipeline of spec.md §4.4 for an
// inbound event of eventType on correlationId, expected to find the saga in
// expectedStatus. It returns the loaded state and true to proceed, or
// false with no error when the event was discarded (orphan, terminal,
// out-of-sequence, or a just-triggered timeout compensation) — each
// discard class is classified with its errs type before being logged.
func (o *Orchestrator) validate(ctx context.Context, correlationID string, expectedStatus Status, eventType string) (sagastore.State, bool, error) {
	state, found, err := o.store.Load(ctx, correlationID)
	if err != nil {
		return sagastore.State{}, false, err
	}
	if !found {
		discard := &errs.OrphanEventError{CorrelationID: correlationID}
		o.log.Warn("discarding event", zap.Error(discard))
		return sagastore.State{}, false, nil
	}
	if isTerminal(Status(state.Status)) {
		discard := &errs.TerminalSagaError{CorrelationID: correlationID, Status: state.Status}
		o.log.Warn("discarding event", zap.Error(discard))
		return sagastore.State{}, false, nil
	}
	if Status(state.Status) != expectedStatus {
		discard := &errs.OutOfSequenceError{
			CorrelationID: correlationID, EventType: eventType,
			Expected: string(expectedStatus), Actual: state.Status,
		}
		o.log.Warn("discarding event", zap.Error(discard))
		return sagastore.State{}, false, nil
	}

	now := time.Now().UTC()
	if now.After(state.TimeoutAt) {
		o.log.Warn("saga timed out", zap.String("correlation_id", correlationID))
		if err := o.timeoutSaga(ctx, state, now); err != nil {
			return sagastore.State{}, false, err
		}
		return sagastore.State{}, false, nil
	}

	return state, true, nil
}

// validateFailure runs the same pipeline as validate but without the
// expected-status check, for participant failure events that are accepted
// "any non-terminal" status (spec.md §4.4 response table).
func (o *Orchestrator) validateFailure(ctx context.Context, correlationID string) (sagastore.State, bool, error) {
	state, found, err := o.store.Load(ctx, correlationID)
	if err != nil {
		return sagastore.State{}, false, err
	}
	if !found {
		discard := &errs.OrphanEventError{CorrelationID: correlationID}
		o.log.Warn("discarding failure event", zap.Error(discard))
		return sagastore.State{}, false, nil
	}
	if isTerminal(Status(state.Status)) {
		discard := &errs.TerminalSagaError{CorrelationID: correlationID, Status: state.Status}
		o.log.Warn("discarding failure event", zap.Error(discard))
		return sagastore.State{}, false, nil
	}

	now := time.Now().UTC()
	if now.After(state.TimeoutAt) {
		o.log.Warn("saga timed out", zap.String("correlation_id", correlationID))
		if err := o.timeoutSaga(ctx, state, now); err != nil {
			return sagastore.State{}, false, err
		}
		return sagastore.State{}, false, nil
	}

	return state, true, nil
}

// timeoutSaga implements spec.md §4.4 validation step 4: force TIMED_OUT,
// persist, then run compensation. The immediately following compensate
// call overwrites the status to COMPENSATING/COMPENSATED; TIMED_OUT is
// recorded for observability on the way through.
func (o *Orchestrator) timeoutSaga(ctx context.Context, state sagastore.State, now time.Time) error {
	state.Status = string(StatusTimedOut)
	state.LastUpdatedAt = now
	if err := o.store.Save(ctx, state); err != nil {
		return err
	}
	return o.compensate(ctx, state, "Saga timed out", "")
}
