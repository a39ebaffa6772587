package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chadgate/internal/capability"
	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/dispatch"
	"github.com/mbd888/chadgate/internal/entitlement"
	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/payment"
	"github.com/mbd888/chadgate/internal/ratelimit"
	"github.com/mbd888/chadgate/internal/retry"
	"github.com/mbd888/chadgate/internal/solana"
)

const testRecipient = "EDQQe7Nufgvo2A6uXTmCpTr2FumZRB3fNzTH4Wuvpvpd"

// --- Test helpers ---

type noChain struct{}

func (noChain) GetTransfer(context.Context, string, string) (*solana.Transfer, error) {
	return nil, solana.ErrNotFound
}

// fakeBackend answers sync tools from results and runs async jobs per mode.
type fakeBackend struct {
	results map[string]json.RawMessage
	mode    string // "complete", "fail" or "hang"
}

func (f *fakeBackend) InvokeSync(_ context.Context, tool *catalog.Tool, _ map[string]any) (json.RawMessage, error) {
	if r, ok := f.results[tool.Name]; ok {
		return r, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeBackend) InvokeAsync(ctx context.Context, _ *catalog.Tool, _ map[string]any, _ string, cb capability.Callbacks) {
	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := cb.OnStart(ctx); err != nil {
			return
		}
		switch f.mode {
		case "complete":
			cb.OnComplete(ctx, json.RawMessage(`{"report":"Fee markets are local."}`))
		case "fail":
			cb.OnFail(ctx, errors.New("upstream exploded"))
		}
	}()
}

type stack struct {
	d       *dispatch.Dispatcher
	jobs    *jobs.Service
	keys    *entitlement.Manager
	backend *fakeBackend
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		jobs:    jobs.NewService(jobs.NewMemoryStore(), time.Hour, nil),
		keys:    entitlement.NewManager(entitlement.NewMemoryStore(), nil),
		backend: &fakeBackend{results: map[string]json.RawMessage{}, mode: "complete"},
	}
	verifier := payment.NewVerifier(noChain{}, payment.NewMemoryLedger(),
		payment.VerifierConfig{Lookup: retry.Policy{MaxAttempts: 1}}, nil)
	limits := map[string]int{catalog.ClassPrice: 100, catalog.ClassResearch: 100, catalog.ClassRender: 100}
	s.d = dispatch.New(dispatch.Deps{
		Catalog:      catalog.Default(),
		Entitlements: s.keys,
		Verifier:     verifier,
		Limiter:      ratelimit.NewLimiter(ratelimit.NewMemoryStore(), limits, time.Minute),
		Jobs:         s.jobs,
		Handler:      s.backend,
	}, dispatch.Config{Recipient: testRecipient}, nil)
	return s
}

func (s *stack) issueKey(t *testing.T, quota int64) string {
	t.Helper()
	raw, _, err := s.keys.Issue(context.Background(), "mcp", quota)
	require.NoError(t, err)
	return raw
}

func (s *stack) handlers(t *testing.T, quota int64) *Handlers {
	h := NewHandlers(NewLocal(s.d, s.jobs, s.issueKey(t, quota)), nil)
	h.pollInterval = 5 * time.Millisecond
	h.maxWait = time.Second
	return h
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Tool schemas
// ============================================================

func TestCatalogTool_Schema(t *testing.T) {
	render, err := catalog.Default().Get("render_webpage")
	require.NoError(t, err)

	tool := catalogTool(render)
	assert.Equal(t, "render_webpage", tool.Name)
	assert.Contains(t, tool.Description, "0.0003 SOL")
	assert.Equal(t, []string{"url"}, tool.InputSchema.Required)

	format := tool.InputSchema.Properties["format"].(map[string]any)
	assert.Equal(t, "string", format["type"])
	assert.Equal(t, "markdown", format["default"])
	assert.ElementsMatch(t, []string{"markdown", "text", "html"}, format["enum"])

	maxChars := tool.InputSchema.Properties["max_chars"].(map[string]any)
	assert.Equal(t, "number", maxChars["type"])
	assert.Equal(t, float64(50000), maxChars["default"])
	assert.Equal(t, float64(200000), maxChars["maximum"])
}

func TestCatalogTool_AsyncDescription(t *testing.T) {
	deep, err := catalog.Default().Get("deep_research")
	require.NoError(t, err)
	tool := catalogTool(deep)
	assert.Contains(t, tool.Description, "0.02 SOL")
	assert.Contains(t, tool.Description, "background job")
}

// ============================================================
// Handlers over the in-process gateway
// ============================================================

func TestHandleTool_Sync(t *testing.T) {
	s := newStack(t)
	s.backend.results["get_crypto_price"] = json.RawMessage(`{"asset":"SOL","price":"187.42"}`)
	h := s.handlers(t, 5)

	result, err := h.HandleTool("get_crypto_price")(context.Background(), makeRequest(map[string]any{"asset": "sol"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, `"price": "187.42"`)
}

func TestHandleTool_ValidationError(t *testing.T) {
	s := newStack(t)
	h := s.handlers(t, 5)

	result, err := h.HandleTool("render_webpage")(context.Background(), makeRequest(map[string]any{"url": "http://example.com"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "render_webpage failed")
}

func TestHandleTool_PaymentRequiredWithoutKey(t *testing.T) {
	s := newStack(t)
	h := NewHandlers(NewLocal(s.d, s.jobs, ""), nil)

	result, err := h.HandleTool("get_crypto_price")(context.Background(), makeRequest(map[string]any{"asset": "btc"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "402 payment_required")
}

func TestHandleTool_QuotaExhausted(t *testing.T) {
	s := newStack(t)
	h := s.handlers(t, 1)
	call := h.HandleTool("get_crypto_price")

	result, err := call(context.Background(), makeRequest(map[string]any{"asset": "btc"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = call(context.Background(), makeRequest(map[string]any{"asset": "btc"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "quota_exhausted")
}

func TestHandleTool_DeepResearchWaitsForJob(t *testing.T) {
	s := newStack(t)
	h := s.handlers(t, 5)

	result, err := h.HandleTool("deep_research")(context.Background(), makeRequest(map[string]any{"query": "solana fee markets"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Fee markets are local.")
}

func TestHandleTool_JobFailed(t *testing.T) {
	s := newStack(t)
	s.backend.mode = "fail"
	h := s.handlers(t, 5)

	result, err := h.HandleTool("deep_research")(context.Background(), makeRequest(map[string]any{"query": "solana fee markets"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "upstream exploded")
}

func TestHandleTool_JobTimeoutNamesJob(t *testing.T) {
	s := newStack(t)
	s.backend.mode = "hang"
	h := s.handlers(t, 5)
	h.maxWait = 30 * time.Millisecond

	result, err := h.HandleTool("deep_research")(context.Background(), makeRequest(map[string]any{"query": "solana fee markets"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "get_job_status")
	assert.Contains(t, text, "job_")

	// The job is still reachable by the status tool.
	start := strings.Index(text, `"job_`)
	require.GreaterOrEqual(t, start, 0)
	rest := text[start+1:]
	id := rest[:strings.Index(rest, `"`)]
	status, err := h.HandleGetJobStatus(context.Background(), makeRequest(map[string]any{"job_id": id}))
	require.NoError(t, err)
	assert.False(t, status.IsError, resultText(t, status))
	assert.Contains(t, resultText(t, status), `"status": "running"`)
}

func TestHandleTool_TruncatesBase64(t *testing.T) {
	s := newStack(t)
	blob := strings.Repeat("iVBORw0KGgo", 50)
	body, _ := json.Marshal(map[string]any{"url": "https://example.com", "screenshot_base64": blob})
	s.backend.results["screenshot_webpage"] = body
	h := s.handlers(t, 5)

	result, err := h.HandleTool("screenshot_webpage")(context.Background(), makeRequest(map[string]any{"url": "https://example.com"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, blob[:100]+"...[truncated]")
	assert.NotContains(t, text, blob)
	assert.Contains(t, text, `"note"`)
}

func TestFormatResult_SmallBase64Untouched(t *testing.T) {
	text := formatResult(json.RawMessage(`{"pdf_base64":"JVBERi0x"}`))
	assert.Contains(t, text, "JVBERi0x")
	assert.NotContains(t, text, "truncated")
}

func TestHandleGetJobStatus_Errors(t *testing.T) {
	s := newStack(t)
	h := s.handlers(t, 5)

	result, err := h.HandleGetJobStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "job_id is required")

	result, err = h.HandleGetJobStatus(context.Background(), makeRequest(map[string]any{"job_id": "job_missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListServices(t *testing.T) {
	s := newStack(t)
	h := s.handlers(t, 5)

	result, err := h.HandleListServices(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)

	var out struct {
		Payment struct {
			Protocol  string `json:"protocol"`
			Network   string `json:"network"`
			Recipient string `json:"recipient"`
		} `json:"payment"`
		Services []serviceEntry `json:"services"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, "x402", out.Payment.Protocol)
	assert.Equal(t, "solana", out.Payment.Network)
	assert.Equal(t, testRecipient, out.Payment.Recipient)
	require.Len(t, out.Services, 8)
	assert.Equal(t, "deep_research", out.Services[0].Name)
	assert.Equal(t, "0.02", out.Services[0].PriceSOL)
}

// ============================================================
// HTTP client against the real routes
// ============================================================

func newGatewayServer(t *testing.T, s *stack) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	dispatch.NewHandler(s.d).RegisterRoutes(v1)
	jobs.NewHandler(s.jobs).RegisterRoutes(v1)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_Services(t *testing.T) {
	s := newStack(t)
	ts := newGatewayServer(t, s)

	l, err := NewClient(Config{APIURL: ts.URL}).Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testRecipient, l.Recipient)
	assert.Equal(t, "solana", l.Network)
	require.Len(t, l.Tools, 8)

	deep := l.Tools[0]
	assert.Equal(t, "deep_research", deep.Name)
	assert.True(t, deep.Async())
	assert.EqualValues(t, 20_000_000, deep.Price)
}

func TestClient_CallAndJob(t *testing.T) {
	s := newStack(t)
	s.backend.mode = "hang"
	s.backend.results["get_prediction_market"] = json.RawMessage(`{"bestBid":0.41,"bestAsk":0.43}`)
	ts := newGatewayServer(t, s)
	c := NewClient(Config{APIURL: ts.URL + "/", APIKey: s.issueKey(t, 5)})
	ctx := context.Background()

	res, err := c.Call(ctx, "get_prediction_market", map[string]any{"slug": "will-bitcoin-hit-100k-in-2026"})
	require.NoError(t, err)
	assert.Empty(t, res.JobID)
	assert.JSONEq(t, `{"bestBid":0.41,"bestAsk":0.43}`, string(res.Body))

	res, err = c.Call(ctx, "deep_research", map[string]any{"query": "solana fee markets"})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)

	job, err := c.Job(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, "deep_research", job.Tool)
}

func TestClient_Errors(t *testing.T) {
	s := newStack(t)
	ts := newGatewayServer(t, s)
	ctx := context.Background()

	_, err := NewClient(Config{APIURL: ts.URL}).Call(ctx, "get_crypto_price", map[string]any{"asset": "btc"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 402, apiErr.Status)
	assert.Equal(t, "payment_required", apiErr.Code)

	_, err = NewClient(Config{APIURL: ts.URL, APIKey: "sk_nope"}).Call(ctx, "get_crypto_price", map[string]any{"asset": "btc"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)
	assert.Equal(t, "unknown_key", apiErr.Code)

	_, err = NewClient(Config{APIURL: ts.URL}).Job(ctx, "job_missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).Services(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Server wiring
// ============================================================

func TestNewMCPServer_ListsTools(t *testing.T) {
	s := newStack(t)
	srv, err := NewMCPServer(context.Background(), NewLocal(s.d, s.jobs, ""), WithVersion("test"))
	require.NoError(t, err)

	msg := srv.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	for _, name := range []string{"get_crypto_price", "deep_research", "webpage_to_pdf", "list_services", "get_job_status"} {
		assert.Contains(t, string(raw), `"`+name+`"`)
	}
}

type failingGateway struct{ Gateway }

func (failingGateway) Services(context.Context) (*Listing, error) {
	return nil, errors.New("connection refused")
}

func TestNewMCPServer_ServicesError(t *testing.T) {
	_, err := NewMCPServer(context.Background(), failingGateway{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load services")
}
