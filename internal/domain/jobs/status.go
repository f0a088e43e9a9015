package jobs

import (
	"github.com/harvestly/ingest-backend/internal/platform/faults"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// transitions is the authoritative table. Completed and cancelled are
// terminal; anything absent here is illegal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying:  {StatusRunning, StatusFailed},
	StatusFailed:    {StatusRetrying},
	StatusCompleted: {},
	StatusCancelled: {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an invalid-transition fault for any move the
// table does not permit. Callers must not write state when it errors.
func CheckTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return faults.InvalidTransition(string(from), string(to))
	}
	if !from.CanTransition(to) {
		return faults.InvalidTransition(string(from), string(to))
	}
	return nil
}
