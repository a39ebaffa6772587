package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/chadgate/internal/logging"
)

// Executor runs background job work with bounded concurrency. Work outlives
// the request that started it: fn receives a context detached from the
// caller's cancellation.
type Executor struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewExecutor allows at most max concurrent executions.
func NewExecutor(max int64, logger *slog.Logger) *Executor {
	if max <= 0 {
		max = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:    semaphore.NewWeighted(max),
		base:   base,
		cancel: cancel,
		logger: logging.OrDiscard(logger),
	}
}

// AbortTimeout bounds an abort hook.
const AbortTimeout = 10 * time.Second

// Go schedules fn and returns immediately. fn waits for a free slot. If the
// executor shuts down first, onAbort runs instead, on a context that outlives
// the shutdown.
func (e *Executor) Go(ctx context.Context, fn func(ctx context.Context), onAbort func(ctx context.Context)) {
	run := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.sem.Acquire(e.base, 1)
		if err == nil && e.base.Err() != nil {
			e.sem.Release(1)
			err = e.base.Err()
		}
		if err != nil {
			e.logger.Warn("job executor closed before start", "error", err)
			if onAbort != nil {
				abortCtx, cancel := context.WithTimeout(run, AbortTimeout)
				defer cancel()
				onAbort(abortCtx)
			}
			return
		}
		defer e.sem.Release(1)
		jobsInFlight.Inc()
		defer jobsInFlight.Dec()

		runCtx, stop := context.WithCancel(run)
		defer stop()
		go func() {
			select {
			case <-e.base.Done():
				stop()
			case <-runCtx.Done():
			}
		}()

		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic in job execution", "panic", fmt.Sprint(r))
			}
		}()
		fn(runCtx)
	}()
}

// Shutdown waits for scheduled work until ctx ends, then cancels whatever is
// still running.
func (e *Executor) Shutdown(ctx context.Context) error {
	defer e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
