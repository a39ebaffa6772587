// Package jobs tracks asynchronous tool executions.
//
// A job moves queued -> running -> completed|failed and never back. Every
// transition is a compare-and-set on the stored state, so two workers (or two
// replicas) racing on one job cannot both win. Terminal jobs expire Retention
// after they finish; a sweeper deletes them, and polls in between report
// ErrJobExpired.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/chadgate/internal/idgen"
	"github.com/mbd888/chadgate/internal/logging"
)

var (
	ErrJobNotFound       = errors.New("jobs: job not found")
	ErrJobExpired        = errors.New("jobs: job expired")
	ErrInvalidTransition = errors.New("jobs: invalid state transition")
)

// State of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one asynchronous execution.
type Job struct {
	ID         string          `json:"jobId"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"-"`
	State      State           `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

// Expired reports whether a terminal job is past its retention at now.
func (j *Job) Expired(now time.Time) bool {
	return j.State.Terminal() && j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
}

// Publisher receives every job after a successful create or transition.
type Publisher interface {
	PublishJob(job *Job)
}

// Service owns job state.
type Service struct {
	store     Store
	retention time.Duration
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a job service. Terminal jobs are kept for retention.
func NewService(store Store, retention time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		retention: retention,
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
	}
}

// WithPublisher sets the transition listener.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// Create inserts a queued job.
func (s *Service) Create(ctx context.Context, tool string, input json.RawMessage) (*Job, error) {
	now := s.now().UTC()
	job := &Job{
		ID:        idgen.JobID(),
		Tool:      tool,
		Input:     input,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(job.Input) == 0 {
		job.Input = json.RawMessage(`{}`)
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobs: create: %w", err)
	}
	jobsTotal.WithLabelValues(string(StateQueued)).Inc()
	s.logger.Info("job queued", "job_id", job.ID, "tool", tool)
	s.publish(job)
	return job, nil
}

// Get returns the job for polling. Terminal jobs past their expiry return
// ErrJobExpired until the sweeper deletes them.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Expired(s.now()) {
		return nil, ErrJobExpired
	}
	return job, nil
}

// MarkRunning moves a queued job to running.
func (s *Service) MarkRunning(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, []State{StateQueued}, Transition{To: StateRunning})
}

// Complete moves a running job to completed with result.
func (s *Service) Complete(ctx context.Context, id string, result json.RawMessage) (*Job, error) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return s.transition(ctx, id, []State{StateRunning}, Transition{To: StateCompleted, Result: result})
}

// Fail moves a queued or running job to failed. A job may fail before it
// starts when its handler cannot be reached.
func (s *Service) Fail(ctx context.Context, id string, reason string) (*Job, error) {
	if reason == "" {
		reason = "job failed"
	}
	return s.transition(ctx, id, []State{StateQueued, StateRunning}, Transition{To: StateFailed, Error: reason})
}

func (s *Service) transition(ctx context.Context, id string, from []State, t Transition) (*Job, error) {
	t.At = s.now().UTC()
	if t.To.Terminal() {
		exp := t.At.Add(s.retention)
		t.ExpiresAt = &exp
	}

	job, err := s.store.Transition(ctx, id, from, t)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("job transition rejected", "job_id", id, "to", t.To, "error", err)
		}
		return nil, err
	}

	jobsTotal.WithLabelValues(string(t.To)).Inc()
	if t.To.Terminal() {
		jobDuration.WithLabelValues(string(t.To)).Observe(t.At.Sub(job.CreatedAt).Seconds())
	}
	s.logger.Info("job transitioned", "job_id", id, "tool", job.Tool, "state", t.To)
	s.publish(job)
	return job, nil
}

// Sweep deletes up to limit terminal jobs whose expiry has passed.
func (s *Service) Sweep(ctx context.Context, limit int) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now().UTC(), limit)
	if n > 0 {
		jobsSweptTotal.Add(float64(n))
	}
	return n, err
}

func (s *Service) publish(job *Job) {
	if s.publisher != nil {
		s.publisher.PublishJob(job)
	}
}
