package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/chadgate/internal/jobs"
)

// Config holds the configuration for reaching a remote gateway.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	Timeout time.Duration
}

// Client is a Gateway that talks to a chadgate server over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client for a remote gateway.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		// Quick research can take a minute upstream.
		cfg.Timeout = 90 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiErrorBody covers both plain errors and 402 challenges.
type apiErrorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the gateway and returns the status and body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (int, json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e apiErrorBody
		if json.Unmarshal(respBody, &e) == nil && e.Message != "" {
			code := e.Error
			if e.Reason != "" {
				code = e.Reason
			}
			return resp.StatusCode, nil, &APIError{Status: resp.StatusCode, Code: code, Message: e.Message}
		}
		return resp.StatusCode, nil, &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}
	return resp.StatusCode, json.RawMessage(respBody), nil
}

// Services fetches the catalog.
func (c *Client) Services(ctx context.Context) (*Listing, error) {
	_, raw, err := c.doRequest(ctx, http.MethodGet, "/v1/services", nil)
	if err != nil {
		return nil, err
	}
	var l Listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	return &l, nil
}

// Call invokes a tool. A 202 answer carries the job to poll.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	status, raw, err := c.doRequest(ctx, http.MethodPost, "/v1/tools/"+url.PathEscape(tool), args)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		var accepted struct {
			JobID string `json:"jobId"`
		}
		if err := json.Unmarshal(raw, &accepted); err != nil || accepted.JobID == "" {
			return nil, fmt.Errorf("decode accepted job: %s", raw)
		}
		return &Result{JobID: accepted.JobID}, nil
	}
	return &Result{Body: raw}, nil
}

// Job fetches job state.
func (c *Client) Job(ctx context.Context, id string) (*jobs.Job, error) {
	_, raw, err := c.doRequest(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var job jobs.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
