// Package capability reaches the upstream services that do the actual tool
// work: price and order-book fetchers, research generation, rendering.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/chadgate/internal/catalog"
)

var (
	// ErrHandler marks every failure surfaced by a capability handler.
	ErrHandler = errors.New("capability: handler failed")
	// ErrShuttingDown fails jobs the gateway stopped before they finished.
	ErrShuttingDown = errors.New("gateway shutting down")
)

// HandlerError is a tool-specific failure. Status is the upstream HTTP status
// when there was one.
type HandlerError struct {
	Tool    string
	Status  int
	Message string
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("capability: %s: upstream %d: %s", e.Tool, e.Status, e.Message)
	}
	return fmt.Sprintf("capability: %s: %s", e.Tool, e.Message)
}

func (e *HandlerError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrHandler, e.Err}
	}
	return []error{ErrHandler}
}

// Callbacks report an async execution's progress back to its job.
type Callbacks struct {
	OnStart    func(ctx context.Context) error
	OnComplete func(ctx context.Context, result json.RawMessage)
	OnFail     func(ctx context.Context, err error)
}

func (cb Callbacks) fail(ctx context.Context, err error) {
	if cb.OnFail != nil {
		cb.OnFail(ctx, err)
	}
}

// Handler performs tool work. InvokeAsync returns immediately; progress is
// reported through cb.
type Handler interface {
	InvokeSync(ctx context.Context, tool *catalog.Tool, payload map[string]any) (json.RawMessage, error)
	InvokeAsync(ctx context.Context, tool *catalog.Tool, payload map[string]any, jobID string, cb Callbacks)
}

// Runner schedules background work outside the request's lifetime. onAbort
// runs instead of fn when the runner shuts down before fn gets to start.
type Runner interface {
	Go(ctx context.Context, fn func(ctx context.Context), onAbort func(ctx context.Context))
}
