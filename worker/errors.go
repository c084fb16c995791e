package worker

import (
	"fmt"

	"salesdash/models"
)

// InvalidStateError is a lifecycle operation requested from an incompatible
// status, e.g. pausing an already-paused sequence. Surfaced synchronously,
// never retried.
type InvalidStateError struct {
	SequenceID string
	Status     models.SequenceStatus
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s sequence %s in status %q", e.Op, e.SequenceID, e.Status)
}

// NotFoundError is an operation on an unknown sequence ID.
type NotFoundError struct {
	SequenceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sequence %s not found", e.SequenceID)
}
