package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/dispatch"
	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/pkg/x402"
)

// Gateway runs tool calls on behalf of the MCP tools.
type Gateway interface {
	Services(ctx context.Context) (*Listing, error)
	Call(ctx context.Context, tool string, args map[string]any) (*Result, error)
	Job(ctx context.Context, id string) (*jobs.Job, error)
}

// Listing is the tool catalog and where payments go.
type Listing struct {
	Recipient string          `json:"recipient"`
	Network   string          `json:"network"`
	Tools     []*catalog.Tool `json:"services"`
}

// Result of a call: either a body or, for async tools, a job to poll.
type Result struct {
	Body  json.RawMessage
	JobID string
}

// APIError is a call the gateway refused.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// JobReader loads job state.
type JobReader interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

// Local dispatches in-process, billing every call to one API key.
type Local struct {
	d      *dispatch.Dispatcher
	jobs   JobReader
	apiKey string
}

// NewLocal creates a gateway over an in-process dispatcher.
func NewLocal(d *dispatch.Dispatcher, jobs JobReader, apiKey string) *Local {
	return &Local{d: d, jobs: jobs, apiKey: apiKey}
}

func (l *Local) Services(context.Context) (*Listing, error) {
	return &Listing{
		Recipient: l.d.Recipient(),
		Network:   x402.Network,
		Tools:     l.d.Catalog().List(),
	}, nil
}

func (l *Local) Call(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	out, err := l.d.Invoke(ctx, dispatch.Request{
		Tool:    tool,
		Payload: args,
		Auth:    dispatch.Auth{APIKey: l.apiKey},
	})
	if err != nil {
		return nil, err
	}
	switch out.Kind {
	case dispatch.KindResult:
		return &Result{Body: out.Result}, nil
	case dispatch.KindAccepted:
		return &Result{JobID: out.Job.ID}, nil
	case dispatch.KindPaymentRequired:
		ch := out.Challenge
		return nil, &APIError{Status: http.StatusPaymentRequired, Code: ch.Reason, Message: ch.Message}
	case dispatch.KindThrottled:
		return nil, &APIError{
			Status: http.StatusTooManyRequests,
			Code:   "rate_limited",
			Message: fmt.Sprintf("%s calls are limited to %d per window, retry in %ds",
				out.Tool.Class, out.Decision.Limit, out.Decision.RetryAfter),
		}
	}
	return nil, fmt.Errorf("unexpected outcome %q", out.Kind)
}

func (l *Local) Job(ctx context.Context, id string) (*jobs.Job, error) {
	return l.jobs.Get(ctx, id)
}
