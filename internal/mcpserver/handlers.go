package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/pkg/x402"
)

// Deep research takes about five minutes upstream.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWait      = 420 * time.Second
)

// previewLen bounds base64 payloads echoed back to the model.
const previewLen = 100

var base64Fields = []string{"screenshot_base64", "pdf_base64"}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	gw           Gateway
	logger       *slog.Logger
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(gw Gateway, logger *slog.Logger) *Handlers {
	return &Handlers{
		gw:           gw,
		logger:       logging.OrDiscard(logger),
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
	}
}

// HandleTool returns the handler for a catalog tool. Calls that start a job
// wait for it up to the configured limit.
func (h *Handlers) HandleTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := h.gw.Call(ctx, name, req.GetArguments())
		if err != nil {
			h.logger.Info("mcp tool call refused", "tool", name, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
		}
		if res.JobID == "" {
			return mcp.NewToolResultText(formatResult(res.Body)), nil
		}

		job, err := h.waitForJob(ctx, res.JobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to check job %s: %v", res.JobID, err)), nil
		}
		switch job.State {
		case jobs.StateCompleted:
			return mcp.NewToolResultText(formatResult(job.Result)), nil
		case jobs.StateFailed:
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %s", name, job.Error)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"Job %s is still %s after %s.\n"+
				"Use get_job_status with job_id %q to fetch the result later.",
			job.ID, job.State, h.maxWait, job.ID)), nil
	}
}

// waitForJob polls until the job is terminal, the wait limit passes or ctx
// is done. The last state seen is returned in the timeout case.
func (h *Handlers) waitForJob(ctx context.Context, id string) (*jobs.Job, error) {
	deadline := time.NewTimer(h.maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(h.pollInterval)
	defer tick.Stop()

	for {
		job, err := h.gw.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return job, nil
		case <-tick.C:
		}
	}
}

// HandleGetJobStatus returns a job's state and result.
func (h *Handlers) HandleGetJobStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("job_id", "")
	if id == "" {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	job, err := h.gw.Job(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode job: %v", err)), nil
	}
	return mcp.NewToolResultText(formatResult(raw)), nil
}

type serviceEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Class       string `json:"class"`
	Mode        string `json:"mode"`
	Price       uint64 `json:"price"`
	PriceSOL    string `json:"priceSol"`
}

// HandleListServices returns the catalog with prices and payment details.
func (h *Handlers) HandleListServices(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	l, err := h.gw.Services(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list services: %v", err)), nil
	}
	services := make([]serviceEntry, 0, len(l.Tools))
	for _, t := range l.Tools {
		services = append(services, serviceEntry{
			Name:        t.Name,
			Description: t.Description,
			Class:       t.Class,
			Mode:        string(t.Mode),
			Price:       t.Price,
			PriceSOL:    t.PriceSOL(),
		})
	}
	out := map[string]any{
		"platform": "chadgate",
		"payment": map[string]any{
			"protocol":  "x402",
			"version":   x402.Version,
			"network":   l.Network,
			"currency":  x402.Currency,
			"recipient": l.Recipient,
		},
		"services": services,
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode services: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// formatResult pretty-prints a JSON body, shortening base64 blobs.
func formatResult(raw json.RawMessage) string {
	var m map[string]any
	if json.Unmarshal(raw, &m) == nil && truncateBase64(m) {
		if pretty, err := json.MarshalIndent(m, "", "  "); err == nil {
			return string(pretty)
		}
	}
	return formatJSON(raw)
}

func truncateBase64(m map[string]any) bool {
	changed := false
	for _, f := range base64Fields {
		s, ok := m[f].(string)
		if !ok || len(s) <= previewLen {
			continue
		}
		m[f] = s[:previewLen] + "...[truncated]"
		m["note"] = fmt.Sprintf("%s is truncated here; call the HTTP API for the full %d-byte payload", f, len(s))
		changed = true
	}
	return changed
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
