package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/circuitbreaker"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/retry"
	"github.com/mbd888/chadgate/internal/traces"
)

const (
	maxResponseSize = 32 * 1024 * 1024 // PDFs and screenshots arrive base64 encoded
	settleTimeout   = 10 * time.Second
)

// HTTPConfig configures the upstream backends.
type HTTPConfig struct {
	BaseURLs map[string]string // backend name -> base URL
	APIKey   string            // sent as a bearer token to every backend
	Timeout  time.Duration     // per upstream request

	// Upstream job polling. Backends that answer with a job_id are polled
	// at PollInterval until they finish, for at most SyncPollTimeout on a
	// synchronous call and AsyncPollTimeout on a job.
	PollInterval     time.Duration
	SyncPollTimeout  time.Duration
	AsyncPollTimeout time.Duration
}

// DefaultHTTPConfig returns the polling cadence the research backend expects.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURLs:         map[string]string{},
		Timeout:          60 * time.Second,
		PollInterval:     5 * time.Second,
		SyncPollTimeout:  60 * time.Second,
		AsyncPollTimeout: 420 * time.Second,
	}
}

// HTTPHandler forwards tool calls to upstream HTTP backends.
type HTTPHandler struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
	runner  Runner
	poll    retry.Policy
	logger  *slog.Logger
}

var _ Handler = (*HTTPHandler)(nil)

// NewHTTPHandler creates a handler. runner executes async work.
func NewHTTPHandler(cfg HTTPConfig, runner Runner, logger *slog.Logger) *HTTPHandler {
	def := DefaultHTTPConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SyncPollTimeout <= 0 {
		cfg.SyncPollTimeout = def.SyncPollTimeout
	}
	if cfg.AsyncPollTimeout <= 0 {
		cfg.AsyncPollTimeout = def.AsyncPollTimeout
	}
	return &HTTPHandler{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		runner:  runner,
		poll:    retry.Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
		logger:  logging.OrDiscard(logger),
	}
}

// Breaker exposes the per-backend circuit state for health reporting.
func (h *HTTPHandler) Breaker() *circuitbreaker.Breaker { return h.breaker }

// InvokeSync calls the tool's backend and returns its JSON body. A backend
// that hands back an upstream job is polled to completion.
func (h *HTTPHandler) InvokeSync(ctx context.Context, tool *catalog.Tool, payload map[string]any) (json.RawMessage, error) {
	ctx, span := traces.StartSpan(ctx, "capability.InvokeSync", traces.Tool(tool.Name))
	defer span.End()

	start := time.Now()
	result, err := h.invoke(ctx, tool, payload, h.cfg.SyncPollTimeout)
	observe(tool.Name, "sync", start, err)
	if err != nil {
		traces.RecordError(span, err)
	}
	return result, err
}

// InvokeAsync schedules the call on the runner and returns. Every job that
// got past OnStart ends in OnComplete or OnFail, including jobs cut short or
// never started because the runner shut down.
func (h *HTTPHandler) InvokeAsync(ctx context.Context, tool *catalog.Tool, payload map[string]any, jobID string, cb Callbacks) {
	logger := h.logger.With("job_id", jobID, "tool", tool.Name)
	h.runner.Go(ctx, func(ctx context.Context) {
		ctx, span := traces.StartSpan(ctx, "capability.InvokeAsync", traces.Tool(tool.Name), traces.JobID(jobID))
		defer span.End()

		if cb.OnStart != nil {
			if err := cb.OnStart(ctx); err != nil {
				logger.Warn("job could not start", "error", err)
				if ctx.Err() != nil {
					settle(ctx, func(ctx context.Context) { cb.fail(ctx, ErrShuttingDown) })
				}
				return
			}
		}

		start := time.Now()
		result, err := h.invoke(ctx, tool, payload, h.cfg.AsyncPollTimeout)
		observe(tool.Name, "async", start, err)
		if err != nil {
			traces.RecordError(span, err)
			logger.Warn("job failed", "error", err)
			if ctx.Err() != nil {
				err = ErrShuttingDown
			}
			settle(ctx, func(ctx context.Context) { cb.fail(ctx, err) })
			return
		}
		settle(ctx, func(ctx context.Context) {
			if cb.OnComplete != nil {
				cb.OnComplete(ctx, result)
			}
		})
	}, func(ctx context.Context) {
		logger.Warn("job aborted before start")
		cb.fail(ctx, ErrShuttingDown)
	})
}

// settle runs a terminal callback on a context that survives the runner's
// shutdown.
func settle(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	fn(ctx)
}

func (h *HTTPHandler) invoke(ctx context.Context, tool *catalog.Tool, payload map[string]any, pollTimeout time.Duration) (json.RawMessage, error) {
	path, body := tool.Upstream(payload)
	raw, err := h.call(ctx, tool, tool.Method, path, body)
	if err != nil {
		return nil, err
	}

	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if json.Unmarshal(raw, &accepted) != nil || accepted.JobID == "" || accepted.Status == "completed" {
		return raw, nil
	}
	return h.pollUpstream(ctx, tool, path, accepted.JobID, pollTimeout)
}

// pollUpstream follows an upstream job at <path>/status/<id> until it
// finishes, then fetches <path>/result/<id>.
func (h *HTTPHandler) pollUpstream(ctx context.Context, tool *catalog.Tool, path, upstreamID string, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusPath := path + "/status/" + url.PathEscape(upstreamID)
	resultPath := path + "/result/" + url.PathEscape(upstreamID)
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		err := h.poll.Do(ctx, func(int) error {
			raw, err := h.call(ctx, tool, http.MethodGet, statusPath, nil)
			if err != nil {
				if isClientError(err) {
					return retry.Permanent(err)
				}
				return err
			}
			return json.Unmarshal(raw, &status)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, &HandlerError{Tool: tool.Name, Message: fmt.Sprintf("upstream job timed out after %s", timeout), Err: ctx.Err()}
			}
			return nil, err
		}

		switch status.Status {
		case "completed":
			return h.call(ctx, tool, http.MethodGet, resultPath, nil)
		case "failed":
			msg := status.Error
			if msg == "" {
				msg = "upstream job failed"
			}
			return nil, &HandlerError{Tool: tool.Name, Message: msg}
		}

		select {
		case <-ctx.Done():
			return nil, &HandlerError{Tool: tool.Name, Message: fmt.Sprintf("upstream job timed out after %s", timeout), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// call performs one upstream request through the backend's circuit.
func (h *HTTPHandler) call(ctx context.Context, tool *catalog.Tool, method, path string, body map[string]any) (json.RawMessage, error) {
	base, ok := h.cfg.BaseURLs[tool.Backend]
	if !ok || base == "" {
		return nil, &HandlerError{Tool: tool.Name, Message: fmt.Sprintf("no backend configured for %q", tool.Backend)}
	}

	var out json.RawMessage
	err := h.breaker.Do(tool.Backend, func() error {
		var err error
		out, err = h.do(ctx, tool.Name, method, strings.TrimRight(base, "/")+path, body)
		return err
	}, isClientError)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &HandlerError{Tool: tool.Name, Message: "backend temporarily unavailable", Err: err}
	}
	return out, err
}

func (h *HTTPHandler) do(ctx context.Context, toolName, method, endpoint string, body map[string]any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal upstream body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &HandlerError{Tool: toolName, Message: "build upstream request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &HandlerError{Tool: toolName, Message: "upstream request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &HandlerError{Tool: toolName, Status: resp.StatusCode, Message: "read upstream response", Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, &HandlerError{Tool: toolName, Status: resp.StatusCode, Message: upstreamMessage(data)}
	}
	if !json.Valid(data) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(data)})
		return wrapped, nil
	}
	return data, nil
}

// upstreamMessage pulls a readable message out of an error body.
func upstreamMessage(data []byte) string {
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Detail != "":
			return body.Detail
		case body.Error != nil:
			return fmt.Sprint(body.Error)
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}

// isClientError reports upstream 4xx responses, which reflect the request
// rather than backend health.
func isClientError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he) && he.Status >= 400 && he.Status < 500
}
