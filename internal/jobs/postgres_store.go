package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists jobs in the jobs table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, tool, input, state, result, error, created_at, updated_at,
	started_at, finished_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, job *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tool, input, state, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', $5, $6)`,
		job.ID, job.Tool, []byte(job.Input), string(job.State), job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Transition is a single conditional UPDATE; the WHERE clause on state is the
// compare-and-set.
func (p *PostgresStore) Transition(ctx context.Context, id string, from []State, t Transition) (*Job, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	var startedAt, finishedAt sql.NullTime
	var result []byte
	switch t.To {
	case StateRunning:
		startedAt = sql.NullTime{Time: t.At, Valid: true}
	case StateCompleted, StateFailed:
		finishedAt = sql.NullTime{Time: t.At, Valid: true}
		result = t.Result
	}
	var expiresAt sql.NullTime
	if t.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *t.ExpiresAt, Valid: true}
	}

	job, err := scanJob(p.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			state = $2,
			updated_at = $3,
			started_at = COALESCE($4, started_at),
			finished_at = COALESCE($5, finished_at),
			expires_at = COALESCE($6, expires_at),
			result = COALESCE($7::jsonb, result),
			error = $8
		WHERE id = $1 AND state = ANY($9)
		RETURNING `+jobColumns,
		id, string(t.To), t.At, startedAt, finishedAt, expiresAt, nullableJSON(result), t.Error,
		pq.Array(states),
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var current string
	err = p.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, t.To)
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs
			WHERE expires_at IS NOT NULL AND expires_at <= $1
				AND state IN ('completed', 'failed')
			ORDER BY expires_at
			LIMIT $2
		)`, before, limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j                               Job
		state                           string
		input, result                   []byte
		startedAt, finishedAt, expireAt sql.NullTime
	)
	err := s.Scan(&j.ID, &j.Tool, &input, &state, &result, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt, &expireAt)
	if err != nil {
		return nil, err
	}
	j.State = State(state)
	j.Input = input
	if len(result) > 0 {
		j.Result = result
	}
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	j.ExpiresAt = timePtr(expireAt)
	return &j, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
