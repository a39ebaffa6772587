package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Transition describes one state change.
type Transition struct {
	To        State
	At        time.Time
	Result    json.RawMessage // set when To is completed
	Error     string          // set when To is failed
	ExpiresAt *time.Time      // set when To is terminal
}

// apply mutates j as the store would. Callers have already checked the
// current state.
func (t Transition) apply(j *Job) {
	at := t.At
	j.State = t.To
	j.UpdatedAt = at
	switch t.To {
	case StateRunning:
		j.StartedAt = &at
	case StateCompleted, StateFailed:
		j.FinishedAt = &at
		j.ExpiresAt = t.ExpiresAt
		j.Result = t.Result
		j.Error = t.Error
	}
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Transition applies t iff the job's current state is one of from. It
	// returns ErrJobNotFound or ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id string, from []State, t Transition) (*Job, error)
	// DeleteExpired removes up to limit terminal jobs with ExpiresAt <= before.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

func stateIn(s State, set []State) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
