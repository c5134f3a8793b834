// Package errs names the error kinds the saga core distinguishes between,
// so callers can errors.As/Is instead of matching on message text.
package errs

import "fmt"

// SerializationError wraps a failure to encode or decode an event payload.
// It is always a programming error: the enclosing transaction must fail.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// OrphanEventError marks an inbound event whose correlationId has no saga
// state. Callers log at warn and discard; it is never retried.
type OrphanEventError struct {
	CorrelationID string
}

func (e *OrphanEventError) Error() string {
	return fmt.Sprintf("orphan event: no saga state for correlation id %s", e.CorrelationID)
}

// OutOfSequenceError marks an inbound event that arrived while the saga was
// in a status that does not expect it.
type OutOfSequenceError struct {
	CorrelationID string
	EventType     string
	Expected      string
	Actual        string
}

func (e *OutOfSequenceError) Error() string {
	return fmt.Sprintf(
		"out of sequence: saga %s received %s while status=%s (expected %s)",
		e.CorrelationID, e.EventType, e.Actual, e.Expected,
	)
}

// DuplicateEventError marks an inbound event the idempotency guard has
// already seen. Callers acknowledge and skip; it is not a failure.
type DuplicateEventError struct {
	EventID string
	Topic   string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event %s on topic %s", e.EventID, e.Topic)
}

// TerminalSagaError marks an inbound event for a saga already in a terminal
// status. Callers discard it as a late duplicate post-completion.
type TerminalSagaError struct {
	CorrelationID string
	Status        string
}

func (e *TerminalSagaError) Error() string {
	return fmt.Sprintf("saga %s already terminal (status=%s)", e.CorrelationID, e.Status)
}
