package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/chadgate/internal/logging"
)

// Timer periodically deletes expired terminal jobs.
type Timer struct {
	service   *Service
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a sweeper that runs every interval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:   service,
		interval:  interval,
		batchSize: 100,
		logger:    logging.OrDiscard(logger),
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in job sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// sweep drains every expired job, one batch at a time.
func (t *Timer) sweep(ctx context.Context) int {
	total := 0
	for {
		n, err := t.service.Sweep(ctx, t.batchSize)
		total += n
		if err != nil {
			t.logger.Warn("failed to sweep expired jobs", "error", err)
			break
		}
		if n < t.batchSize {
			break
		}
	}
	if total > 0 {
		t.logger.Info("job sweep complete", "deleted", total)
	}
	return total
}
