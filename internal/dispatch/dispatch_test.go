package dispatch

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

	"github.com/mbd888/chadgate/internal/capability"
	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/entitlement"
	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/payment"
	"github.com/mbd888/chadgate/internal/ratelimit"
	"github.com/mbd888/chadgate/internal/retry"
	"github.com/mbd888/chadgate/internal/solana"
	"github.com/mbd888/chadgate/internal/validation"
	"github.com/mbd888/chadgate/pkg/x402"
)

const (
	testRecipient = "EDQQe7Nufgvo2A6uXTmCpTr2FumZRB3fNzTH4Wuvpvpd"
	testPayer     = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	sigA          = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
	sigB          = "3E24P8HnfZ2FB4KFac8KidLgtgPP56sRaEsTGrBe3Gxq4GYj9ZjMEQS3Lne5zrgNWsaDYjgrjhnzy3scUS9UPW6z"
	sigC          = "5pWp731ugFCrt7q3sYjiGvjecm2Ho1YX9VTfQQvbbkpap5yMbkXqXtN1BKT7L22gzE3Ptgd7BTfTThvE5PhQ2TSR"
)

type fakeChain struct {
	mu        sync.Mutex
	transfers map[string]uint64
	calls     atomic.Int32
}

func (f *fakeChain) GetTransfer(_ context.Context, sig, recipient string) (*solana.Transfer, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.transfers[sig]
	if !ok {
		return nil, solana.ErrNotFound
	}
	return &solana.Transfer{Signature: sig, Recipient: recipient, Payer: testPayer, Amount: amount, Confirmations: 32}, nil
}

func (f *fakeChain) pay(sig string, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[sig] = lamports
}

type asyncCall struct {
	jobID   string
	payload map[string]any
	cb      capability.Callbacks
}

type fakeHandler struct {
	mu     sync.Mutex
	calls  int
	result json.RawMessage
	err    error
	async  chan asyncCall
}

func (f *fakeHandler) InvokeSync(_ context.Context, _ *catalog.Tool, _ map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeHandler) InvokeAsync(_ context.Context, _ *catalog.Tool, payload map[string]any, jobID string, cb capability.Callbacks) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.async <- asyncCall{jobID: jobID, payload: payload, cb: cb}
}

func (f *fakeHandler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	d       *Dispatcher
	chain   *fakeChain
	handler *fakeHandler
	keys    *entitlement.Manager
	jobs    *jobs.Service
	ledger  *payment.MemoryLedger
	nonces  *NonceSigner
}

func defaultLimits() map[string]int {
	return map[string]int{catalog.ClassPrice: 60, catalog.ClassResearch: 10, catalog.ClassRender: 30}
}

func newHarness(t *testing.T, limits map[string]int, cfg Config) *harness {
	t.Helper()
	if cfg.Recipient == "" {
		cfg.Recipient = testRecipient
	}
	h := &harness{
		chain:   &fakeChain{transfers: map[string]uint64{}},
		handler: &fakeHandler{result: json.RawMessage(`{"asset":"BTC","price":"97000.12"}`), async: make(chan asyncCall, 8)},
		keys:    entitlement.NewManager(entitlement.NewMemoryStore(), nil),
		jobs:    jobs.NewService(jobs.NewMemoryStore(), time.Hour, nil),
		ledger:  payment.NewMemoryLedger(),
		nonces:  NewNonceSigner("test-secret-test-secret-test-secret", 5*time.Minute),
	}
	verifier := payment.NewVerifier(h.chain, h.ledger, payment.VerifierConfig{Lookup: retry.Policy{MaxAttempts: 1}}, nil)
	h.d = New(Deps{
		Catalog:      catalog.Default(),
		Entitlements: h.keys,
		Verifier:     verifier,
		Limiter:      ratelimit.NewLimiter(ratelimit.NewMemoryStore(), limits, time.Minute),
		Jobs:         h.jobs,
		Handler:      h.handler,
		Nonces:       h.nonces,
	}, cfg, nil)
	return h
}

func (h *harness) issueKey(t *testing.T, quota int64) string {
	t.Helper()
	raw, _, err := h.keys.Issue(context.Background(), "test", quota)
	require.NoError(t, err)
	return raw
}

func priceRequest(auth Auth) Request {
	return Request{Tool: "get_crypto_price", Payload: map[string]any{"asset": "btc"}, Auth: auth}
}

func TestInvoke_UnknownTool(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})

	_, err := h.d.Invoke(context.Background(), Request{Tool: "nope", Auth: Auth{Signature: sigA}})
	assert.ErrorIs(t, err, catalog.ErrUnknownTool)
	assert.Zero(t, h.chain.calls.Load())
	assert.Zero(t, h.handler.Calls())
}

func TestInvoke_ValidationBeforePayment(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	h.chain.pay(sigA, 100_000)
	key := h.issueKey(t, 5)

	_, err := h.d.Invoke(context.Background(), Request{
		Tool:    "get_crypto_price",
		Payload: map[string]any{},
		Auth:    Auth{APIKey: key, Signature: sigA},
	})
	var verrs validation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "asset", verrs[0].Field)

	assert.Zero(t, h.chain.calls.Load(), "chain must not be consulted for an invalid payload")
	_, err = h.ledger.Get(context.Background(), sigA)
	assert.ErrorIs(t, err, payment.ErrClaimNotFound)
	keys, err := h.keys.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), keys[0].Remaining)
}

func TestInvoke_NoAuthReturnsChallenge(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})

	out, err := h.d.Invoke(context.Background(), priceRequest(Auth{}))
	require.NoError(t, err)
	require.Equal(t, KindPaymentRequired, out.Kind)

	ch := out.Challenge
	assert.Equal(t, x402.ReasonPaymentRequired, ch.Reason)
	assert.Equal(t, uint64(100_000), ch.Amount)
	assert.Equal(t, "0.0001", ch.AmountSOL)
	assert.Equal(t, testRecipient, ch.Recipient)
	assert.Equal(t, "get_crypto_price", ch.Tool)
	assert.Equal(t, x402.Network, ch.Network)
	assert.Equal(t, int64(300), ch.ValidFor)
	assert.True(t, ch.Retryable)
	assert.False(t, ch.RetrySameSignature)
	assert.NoError(t, h.nonces.Check("get_crypto_price", ch.Nonce))
	assert.False(t, out.PaymentConsumed())
	assert.Zero(t, h.handler.Calls())
}

func TestInvoke_PaymentAcceptedOnceThenRedeemed(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	h.chain.pay(sigA, 100_000)
	ctx := context.Background()

	out, err := h.d.Invoke(ctx, priceRequest(Auth{}))
	require.NoError(t, err)
	nonce := out.Challenge.Nonce

	out, err = h.d.Invoke(ctx, priceRequest(Auth{Signature: sigA, Nonce: nonce}))
	require.NoError(t, err)
	require.Equal(t, KindResult, out.Kind)
	assert.Equal(t, AuthPayment, out.Auth)
	assert.JSONEq(t, `{"asset":"BTC","price":"97000.12"}`, string(out.Result))
	require.NotNil(t, out.Claim)
	assert.Equal(t, sigA, out.Claim.Signature)

	out, err = h.d.Invoke(ctx, priceRequest(Auth{Signature: sigA, Nonce: nonce}))
	require.NoError(t, err)
	require.Equal(t, KindPaymentRequired, out.Kind)
	assert.Equal(t, x402.ReasonAlreadyRedeemed, out.Challenge.Reason)
	assert.False(t, out.Challenge.Retryable)
	assert.False(t, out.Challenge.RetrySameSignature)

	assert.Equal(t, 1, h.handler.Calls())
}

func TestInvoke_PaymentRejections(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	h.chain.pay(sigB, 99_999)

	tests := []struct {
		name      string
		sig       string
		reason    string
		retryable bool
		sameSig   bool
	}{
		{"malformed", "not-a-signature", x402.ReasonInvalidSignatureFormat, false, false},
		{"underpaid", sigB, x402.ReasonAmountMismatch, false, false},
		{"unknown transaction", sigC, x402.ReasonTransactionNotFound, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.d.Invoke(context.Background(), priceRequest(Auth{Signature: tt.sig}))
			require.NoError(t, err)
			require.Equal(t, KindPaymentRequired, out.Kind)
			assert.Equal(t, tt.reason, out.Challenge.Reason)
			assert.Equal(t, tt.retryable, out.Challenge.Retryable)
			assert.Equal(t, tt.sameSig, out.Challenge.RetrySameSignature)
			assert.NotEmpty(t, out.Challenge.Message)
		})
	}
	assert.Zero(t, h.handler.Calls())
}

func TestInvoke_TransactionFoundOnRetry(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	ctx := context.Background()

	out, err := h.d.Invoke(ctx, priceRequest(Auth{Signature: sigC}))
	require.NoError(t, err)
	require.Equal(t, x402.ReasonTransactionNotFound, out.Challenge.Reason)

	h.chain.pay(sigC, 100_000)
	out, err = h.d.Invoke(ctx, priceRequest(Auth{Signature: sigC}))
	require.NoError(t, err)
	assert.Equal(t, KindResult, out.Kind)
}

func TestInvoke_ConcurrentSameSignature(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	h.chain.pay(sigA, 100_000)

	const n = 16
	var wg sync.WaitGroup
	var accepted, redeemed atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.d.Invoke(context.Background(), priceRequest(Auth{Signature: sigA}))
			if err != nil {
				return
			}
			switch {
			case out.Kind == KindResult:
				accepted.Add(1)
			case out.Challenge != nil && out.Challenge.Reason == x402.ReasonAlreadyRedeemed:
				redeemed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(n-1), redeemed.Load())
	assert.Equal(t, 1, h.handler.Calls())
}

func TestInvoke_APIKeyQuota(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	key := h.issueKey(t, 1)
	ctx := context.Background()

	out, err := h.d.Invoke(ctx, priceRequest(Auth{APIKey: key}))
	require.NoError(t, err)
	require.Equal(t, KindResult, out.Kind)
	assert.Equal(t, AuthAPIKey, out.Auth)
	assert.Equal(t, int64(0), out.Remaining)

	out, err = h.d.Invoke(ctx, priceRequest(Auth{APIKey: key}))
	require.NoError(t, err)
	require.Equal(t, KindPaymentRequired, out.Kind)
	assert.Equal(t, x402.ReasonQuotaExhausted, out.Challenge.Reason)
	assert.True(t, out.Challenge.Retryable)

	assert.Equal(t, 1, h.handler.Calls(), "exhausted key must not reach the handler")
}

func TestInvoke_ExhaustedKeyFallsBackToPayment(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	key := h.issueKey(t, 0)
	h.chain.pay(sigA, 100_000)

	out, err := h.d.Invoke(context.Background(), priceRequest(Auth{APIKey: key, Signature: sigA}))
	require.NoError(t, err)
	require.Equal(t, KindResult, out.Kind)
	assert.Equal(t, AuthPayment, out.Auth)
	assert.Equal(t, int64(-1), out.Remaining)
}

func TestInvoke_UnknownKey(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	h.chain.pay(sigA, 100_000)

	_, err := h.d.Invoke(context.Background(), priceRequest(Auth{APIKey: "sk_bogus", Signature: sigA}))
	assert.ErrorIs(t, err, entitlement.ErrUnknownKey)
	assert.Zero(t, h.chain.calls.Load())
	assert.Zero(t, h.handler.Calls())
}

func TestInvoke_ThrottledAfterPayment(t *testing.T) {
	limits := defaultLimits()
	limits[catalog.ClassPrice] = 1
	h := newHarness(t, limits, Config{})
	key := h.issueKey(t, 5)
	ctx := context.Background()

	out, err := h.d.Invoke(ctx, priceRequest(Auth{APIKey: key}))
	require.NoError(t, err)
	require.Equal(t, KindResult, out.Kind)

	out, err = h.d.Invoke(ctx, priceRequest(Auth{APIKey: key}))
	require.NoError(t, err)
	require.Equal(t, KindThrottled, out.Kind)
	assert.True(t, out.PaymentConsumed())
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, 1, out.Decision.Limit)
	assert.GreaterOrEqual(t, out.Decision.RetryAfter, 1)
	assert.Equal(t, int64(3), out.Remaining, "throttled calls keep their decrement")

	assert.Equal(t, 1, h.handler.Calls())
}

func TestInvoke_HandlerFailureKeepsPayment(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	h.handler.err = &capability.HandlerError{Tool: "get_crypto_price", Status: 503, Message: "oracle unavailable"}
	key := h.issueKey(t, 2)

	out, err := h.d.Invoke(context.Background(), priceRequest(Auth{APIKey: key}))
	require.Error(t, err)
	assert.ErrorIs(t, err, capability.ErrHandler)
	require.NotNil(t, out)
	assert.True(t, out.PaymentConsumed())
	assert.Equal(t, int64(1), out.Remaining)
}

func TestInvoke_Nonce(t *testing.T) {
	t.Run("mismatched nonce leaves the payment unclaimed", func(t *testing.T) {
		h := newHarness(t, defaultLimits(), Config{})
		h.chain.pay(sigA, 100_000)
		other := h.nonces.Issue("deep_research")

		out, err := h.d.Invoke(context.Background(), priceRequest(Auth{Signature: sigA, Nonce: other}))
		require.NoError(t, err)
		require.Equal(t, KindPaymentRequired, out.Kind)
		assert.Equal(t, x402.ReasonInvalidNonce, out.Challenge.Reason)
		assert.True(t, out.Challenge.RetrySameSignature)
		assert.Zero(t, h.chain.calls.Load())

		out, err = h.d.Invoke(context.Background(), priceRequest(Auth{Signature: sigA, Nonce: out.Challenge.Nonce}))
		require.NoError(t, err)
		assert.Equal(t, KindResult, out.Kind)
	})

	t.Run("required nonce", func(t *testing.T) {
		h := newHarness(t, defaultLimits(), Config{RequireNonce: true})
		h.chain.pay(sigA, 100_000)

		out, err := h.d.Invoke(context.Background(), priceRequest(Auth{Signature: sigA}))
		require.NoError(t, err)
		assert.Equal(t, x402.ReasonInvalidNonce, out.Challenge.Reason)
	})
}

func TestInvoke_FreeToolSkipsAuth(t *testing.T) {
	cat, err := catalog.New([]catalog.Tool{{
		Name: "ping", Class: catalog.ClassPrice, Backend: catalog.BackendPrice, Method: "GET", Path: "/v1/ping",
	}})
	require.NoError(t, err)
	h := newHarness(t, map[string]int{catalog.ClassPrice: 1}, Config{})
	h.d.catalog = cat

	out, err := h.d.Invoke(context.Background(), Request{Tool: "ping"})
	require.NoError(t, err)
	assert.Equal(t, KindResult, out.Kind)
	assert.Equal(t, AuthFree, out.Auth)

	out, err = h.d.Invoke(context.Background(), Request{Tool: "ping"})
	require.NoError(t, err)
	assert.Equal(t, KindThrottled, out.Kind, "free tools are still rate limited")
	assert.False(t, out.PaymentConsumed())
}

func TestInvoke_DeepResearchJob(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	key := h.issueKey(t, 1)
	ctx := context.Background()

	out, err := h.d.Invoke(ctx, Request{
		Tool:    "deep_research",
		Payload: map[string]any{"query": "state of solana payment channels"},
		Auth:    Auth{APIKey: key},
	})
	require.NoError(t, err)
	require.Equal(t, KindAccepted, out.Kind)
	require.NotNil(t, out.Job)
	assert.Equal(t, jobs.StateQueued, out.Job.State)

	var call asyncCall
	select {
	case call = <-h.handler.async:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	assert.Equal(t, out.Job.ID, call.jobID)
	assert.Equal(t, "state of solana payment channels", call.payload["query"])

	job, err := h.jobs.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateQueued, job.State)

	require.NoError(t, call.cb.OnStart(ctx))
	job, err = h.jobs.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRunning, job.State)

	call.cb.OnComplete(ctx, json.RawMessage(`{"report":"..."}`))
	job, err = h.jobs.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.JSONEq(t, `{"report":"..."}`, string(job.Result))
	require.NotNil(t, job.ExpiresAt)
}

func TestInvoke_DeepResearchJobFails(t *testing.T) {
	h := newHarness(t, defaultLimits(), Config{})
	key := h.issueKey(t, 1)
	ctx := context.Background()

	out, err := h.d.Invoke(ctx, Request{
		Tool:    "deep_research",
		Payload: map[string]any{"query": "why did the render farm fall over"},
		Auth:    Auth{APIKey: key},
	})
	require.NoError(t, err)

	call := <-h.handler.async
	require.NoError(t, call.cb.OnStart(ctx))
	call.cb.OnFail(ctx, &capability.HandlerError{Tool: "deep_research", Message: "upstream research job failed"})

	job, err := h.jobs.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, "upstream research job failed", job.Error)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "boom", failureReason(&capability.HandlerError{Tool: "x", Message: "boom"}))
	assert.Equal(t, "plain", failureReason(errors.New("plain")))
	assert.Equal(t, "", failureReason(nil))
}
