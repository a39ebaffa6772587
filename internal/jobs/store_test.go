package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chadgate/internal/testutil"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func queuedJob(id string) *Job {
	return &Job{
		ID:        id,
		Tool:      "deep_research",
		Input:     json.RawMessage(`{"query":"solana validator economics"}`),
		State:     StateQueued,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, queuedJob("job_a")))
	require.Error(t, s.Create(ctx, queuedJob("job_a")), "duplicate id")

	got, err := s.Get(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, "deep_research", got.Tool)
	assert.JSONEq(t, `{"query":"solana validator economics"}`, string(got.Input))
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Nil(t, got.StartedAt)

	_, err = s.Get(ctx, "job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	// queued -> completed skips running.
	_, err = s.Transition(ctx, "job_a", []State{StateRunning}, Transition{To: StateCompleted, At: t0})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	t1 := t0.Add(time.Second)
	got, err = s.Transition(ctx, "job_a", []State{StateQueued}, Transition{To: StateRunning, At: t1})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(t1))

	t2 := t0.Add(time.Minute)
	exp := t2.Add(time.Hour)
	got, err = s.Transition(ctx, "job_a", []State{StateRunning}, Transition{
		To: StateCompleted, At: t2, Result: json.RawMessage(`{"report":"done"}`), ExpiresAt: &exp,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.JSONEq(t, `{"report":"done"}`, string(got.Result))
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.True(t, got.StartedAt.Equal(t1), "start time kept")

	// Terminal states never change.
	_, err = s.Transition(ctx, "job_a", []State{StateQueued, StateRunning}, Transition{To: StateFailed, At: t2, Error: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	got, _ = s.Get(ctx, "job_a")
	assert.Equal(t, StateCompleted, got.State)
	assert.Empty(t, got.Error)

	_, err = s.Transition(ctx, "job_missing", []State{StateQueued}, Transition{To: StateRunning, At: t1})
	assert.ErrorIs(t, err, ErrJobNotFound)

	// Failing straight from queued.
	require.NoError(t, s.Create(ctx, queuedJob("job_b")))
	exp2 := t2.Add(2 * time.Hour)
	got, err = s.Transition(ctx, "job_b", []State{StateQueued, StateRunning}, Transition{
		To: StateFailed, At: t2, Error: "backend unavailable", ExpiresAt: &exp2,
	})
	require.NoError(t, err)
	assert.Equal(t, "backend unavailable", got.Error)
	assert.Empty(t, got.Result)

	// Sweep: only terminal jobs past expiry, never queued/running.
	require.NoError(t, s.Create(ctx, queuedJob("job_c")))
	n, err := s.DeleteExpired(ctx, exp.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteExpired(ctx, exp2.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "limit respected")
	_, err = s.Get(ctx, "job_a")
	assert.ErrorIs(t, err, ErrJobNotFound, "earliest expiry first")

	n, err = s.DeleteExpired(ctx, exp2.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.Get(ctx, "job_c")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
}

// runTransitionRace checks that concurrent transitions out of one state
// produce exactly one winner.
func runTransitionRace(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, queuedJob("job_race")))

	var won, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, "job_race", []State{StateQueued}, Transition{To: StateRunning, At: t0})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				lost.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(15), lost.Load())
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
	runTransitionRace(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	rdb, _ := testutil.RedisTest(t)
	runStoreContract(t, NewRedisStore(rdb))
}

func TestRedisStore_TransitionRace(t *testing.T) {
	rdb, _ := testutil.RedisTest(t)
	runTransitionRace(t, NewRedisStore(rdb))
}
