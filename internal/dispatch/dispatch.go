// Package dispatch is the payment gate in front of the tool catalog. Every
// call is looked up, validated, paid for (API key quota or an on-chain
// payment), rate limited per class and then handed to a capability handler,
// either inline or as a job.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/chadgate/internal/capability"
	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/entitlement"
	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/payment"
	"github.com/mbd888/chadgate/internal/ratelimit"
	"github.com/mbd888/chadgate/internal/traces"
	"github.com/mbd888/chadgate/pkg/x402"
)

// authTimeout bounds quota and payment checks once they run detached from
// the caller.
const authTimeout = 30 * time.Second

// Entitlements meters API keys.
type Entitlements interface {
	Consume(ctx context.Context, rawKey string, amount int64) (int64, error)
}

// Verifier checks and claims on-chain payments.
type Verifier interface {
	VerifyAndClaim(ctx context.Context, signature, recipient string, amount uint64, tool string) (*payment.Claim, error)
}

// Limiter gates calls per endpoint class.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, class string) (ratelimit.Decision, error)
}

// JobService tracks async calls.
type JobService interface {
	Create(ctx context.Context, tool string, input json.RawMessage) (*jobs.Job, error)
	MarkRunning(ctx context.Context, id string) (*jobs.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) (*jobs.Job, error)
	Fail(ctx context.Context, id string, reason string) (*jobs.Job, error)
}

// AuthMethod records how a call was paid for.
type AuthMethod string

const (
	AuthNone    AuthMethod = ""
	AuthFree    AuthMethod = "free"
	AuthAPIKey  AuthMethod = "api_key"
	AuthPayment AuthMethod = "payment"
)

// Auth carries the caller's credentials. Any field may be empty.
type Auth struct {
	APIKey    string
	Signature string
	Nonce     string
}

// Request is one tool call.
type Request struct {
	Tool    string
	Payload map[string]any
	Auth    Auth
}

// Kind tells a caller which response to render.
type Kind string

const (
	KindResult          Kind = "result"
	KindAccepted        Kind = "accepted"
	KindPaymentRequired Kind = "payment_required"
	KindThrottled       Kind = "throttled"
)

// Outcome is the result of a call that got past validation.
type Outcome struct {
	Kind Kind
	Tool *catalog.Tool
	Auth AuthMethod
	// Remaining is the API key's quota after this call, or -1.
	Remaining int64
	Claim     *payment.Claim

	Result    json.RawMessage // KindResult
	Job       *jobs.Job       // KindAccepted
	Challenge *x402.Challenge // KindPaymentRequired
	Decision  ratelimit.Decision
}

// PaymentConsumed reports whether quota or a payment was spent on the call.
func (o *Outcome) PaymentConsumed() bool {
	return o.Auth == AuthAPIKey || o.Auth == AuthPayment
}

// Config holds the dispatcher's payment settings.
type Config struct {
	Recipient    string // base58 address payments must credit
	RequireNonce bool   // reject payment retries that do not echo a nonce
}

// Dispatcher runs the gate.
type Dispatcher struct {
	catalog      *catalog.Catalog
	entitlements Entitlements
	verifier     Verifier
	limiter      Limiter
	jobs         JobService
	handler      capability.Handler
	nonces       *NonceSigner
	cfg          Config
	logger       *slog.Logger
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Catalog      *catalog.Catalog
	Entitlements Entitlements
	Verifier     Verifier
	Limiter      Limiter
	Jobs         JobService
	Handler      capability.Handler
	Nonces       *NonceSigner
}

// New creates a dispatcher. A nil logger discards.
func New(deps Deps, cfg Config, logger *slog.Logger) *Dispatcher {
	if deps.Nonces == nil {
		deps.Nonces = NewNonceSigner("", 0)
	}
	return &Dispatcher{
		catalog:      deps.Catalog,
		entitlements: deps.Entitlements,
		verifier:     deps.Verifier,
		limiter:      deps.Limiter,
		jobs:         deps.Jobs,
		handler:      deps.Handler,
		nonces:       deps.Nonces,
		cfg:          cfg,
		logger:       logging.OrDiscard(logger),
	}
}

// Catalog returns the tools being served.
func (d *Dispatcher) Catalog() *catalog.Catalog { return d.catalog }

// Recipient returns the payment address.
func (d *Dispatcher) Recipient() string { return d.cfg.Recipient }

// Invoke runs one call through the gate.
//
// Unknown tools return catalog.ErrUnknownTool and bad payloads
// validation.ValidationErrors, both before any money moves. Unknown API keys
// return entitlement.ErrUnknownKey. Once the call is paid for the outcome is
// returned even alongside an error, so callers can tell that payment was
// taken; handler failures wrap capability.ErrHandler.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "dispatch.Invoke", traces.Tool(req.Tool))
	start := time.Now()
	defer func() {
		dispatchTotal.WithLabelValues(toolLabel(req.Tool, err), outcomeLabel(out, err)).Inc()
		if out != nil {
			dispatchDuration.WithLabelValues(req.Tool).Observe(time.Since(start).Seconds())
			span.SetAttributes(traces.AuthMethod(string(out.Auth)))
		}
		traces.RecordError(span, err)
		span.End()
	}()

	tool, err := d.catalog.Get(req.Tool)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Class(tool.Class), traces.Lamports(tool.Price))

	payload, err := tool.Normalize(req.Payload)
	if err != nil {
		return nil, err
	}

	out, err = d.authorize(ctx, tool, req.Auth)
	if err != nil || out.Kind == KindPaymentRequired {
		return out, err
	}

	log := logging.L(ctx).With("tool", tool.Name, "auth", string(out.Auth))

	dec, err := d.limiter.CheckAndIncrement(ctx, tool.Class)
	if err != nil {
		// The call is already paid for; a limiter outage lets it through.
		log.Warn("rate limiter unavailable, allowing call", "class", tool.Class, "error", err)
		dec = ratelimit.Decision{Allowed: true}
	}
	out.Decision = dec
	if !dec.Allowed {
		out.Kind = KindThrottled
		log.Info("call throttled", "class", tool.Class, "count", dec.Count, "limit", dec.Limit)
		return out, nil
	}

	if tool.Async() {
		return d.startJob(ctx, out, payload)
	}

	result, err := d.handler.InvokeSync(ctx, tool, payload)
	if err != nil {
		log.Warn("tool handler failed", "error", err)
		return out, fmt.Errorf("dispatch %s: %w", tool.Name, err)
	}
	out.Kind = KindResult
	out.Result = result
	return out, nil
}

// authorize decides how the call is paid for. It returns a
// KindPaymentRequired outcome when it is not.
func (d *Dispatcher) authorize(ctx context.Context, tool *catalog.Tool, auth Auth) (*Outcome, error) {
	out := &Outcome{Tool: tool, Remaining: -1}
	if tool.Free() {
		out.Auth = AuthFree
		return out, nil
	}

	// Detached: a claim or decrement that was written must be followed by
	// the call, whatever the caller does meanwhile.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authTimeout)
	defer cancel()

	if auth.APIKey != "" {
		remaining, err := d.entitlements.Consume(actx, auth.APIKey, 1)
		switch {
		case err == nil:
			out.Auth = AuthAPIKey
			out.Remaining = remaining
			return out, nil
		case errors.Is(err, entitlement.ErrExhausted):
			if auth.Signature == "" {
				return d.challenge(out, x402.ReasonQuotaExhausted), nil
			}
		default:
			return nil, err
		}
	}

	if auth.Signature == "" {
		return d.challenge(out, x402.ReasonPaymentRequired), nil
	}

	if auth.Nonce != "" || d.cfg.RequireNonce {
		if err := d.nonces.Check(tool.Name, auth.Nonce); err != nil {
			return d.challenge(out, x402.ReasonInvalidNonce), nil
		}
	}

	claim, err := d.verifier.VerifyAndClaim(actx, auth.Signature, d.cfg.Recipient, tool.Price, tool.Name)
	if err != nil {
		reason := payment.Reason(err)
		if reason == "payment_error" {
			return nil, err
		}
		logging.L(ctx).Info("payment rejected", "tool", tool.Name, "reason", reason)
		return d.challenge(out, reason), nil
	}
	out.Auth = AuthPayment
	out.Claim = claim
	return out, nil
}

func (d *Dispatcher) startJob(ctx context.Context, out *Outcome, payload map[string]any) (*Outcome, error) {
	tool := out.Tool
	input, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("dispatch %s: encode input: %w", tool.Name, err)
	}
	job, err := d.jobs.Create(context.WithoutCancel(ctx), tool.Name, input)
	if err != nil {
		return out, fmt.Errorf("dispatch %s: create job: %w", tool.Name, err)
	}

	id := job.ID
	log := d.logger.With("tool", tool.Name, "job_id", id)
	d.handler.InvokeAsync(ctx, tool, payload, id, capability.Callbacks{
		OnStart: func(ctx context.Context) error {
			_, err := d.jobs.MarkRunning(ctx, id)
			return err
		},
		OnComplete: func(ctx context.Context, result json.RawMessage) {
			if _, err := d.jobs.Complete(ctx, id, result); err != nil {
				log.Error("failed to complete job", "error", err)
			}
		},
		OnFail: func(ctx context.Context, cause error) {
			if _, err := d.jobs.Fail(ctx, id, failureReason(cause)); err != nil {
				log.Error("failed to fail job", "error", err)
			}
		},
	})

	out.Kind = KindAccepted
	out.Job = job
	return out, nil
}

// Challenge builds a fresh payment challenge for tool, as served on the
// discovery path.
func (d *Dispatcher) Challenge(tool *catalog.Tool) *x402.Challenge {
	return d.challenge(&Outcome{Tool: tool}, x402.ReasonPaymentRequired).Challenge
}

func (d *Dispatcher) challenge(out *Outcome, reason string) *Outcome {
	tool := out.Tool
	retryable, sameSig := true, false
	switch reason {
	case x402.ReasonTransactionNotFound, x402.ReasonInvalidNonce:
		sameSig = true
	case x402.ReasonInvalidSignatureFormat, x402.ReasonAmountMismatch, x402.ReasonAlreadyRedeemed:
		retryable = false
	}
	out.Kind = KindPaymentRequired
	out.Auth = AuthNone
	out.Challenge = &x402.Challenge{
		Error:              x402.ReasonPaymentRequired,
		Reason:             reason,
		Message:            challengeMessage(reason, tool),
		Retryable:          retryable,
		RetrySameSignature: sameSig,
		X402Version:        x402.Version,
		Scheme:             x402.Scheme,
		Network:            x402.Network,
		Tool:               tool.Name,
		Amount:             tool.Price,
		AmountSOL:          tool.PriceSOL(),
		Currency:           x402.Currency,
		Unit:               x402.Unit,
		Recipient:          d.cfg.Recipient,
		Nonce:              d.nonces.Issue(tool.Name),
		ValidFor:           int64(d.nonces.ValidFor() / time.Second),
		Description:        tool.Description,
	}
	return out
}

func challengeMessage(reason string, tool *catalog.Tool) string {
	switch reason {
	case x402.ReasonQuotaExhausted:
		return "API key quota exhausted; pay per call or top up the key"
	case x402.ReasonInvalidSignatureFormat:
		return "payment signature is not a base58 Solana transaction signature"
	case x402.ReasonTransactionNotFound:
		return "transaction not found or not yet confirmed; retry with the same signature shortly"
	case x402.ReasonAmountMismatch:
		return fmt.Sprintf("transaction paid less than %s SOL; send a new payment", tool.PriceSOL())
	case x402.ReasonAlreadyRedeemed:
		return "payment signature already used; send a new payment"
	case x402.ReasonInvalidNonce:
		return "payment nonce does not match this tool or has expired; retry with the new nonce"
	default:
		return fmt.Sprintf("send %s SOL to the recipient and retry with the transaction signature", tool.PriceSOL())
	}
}

func failureReason(err error) string {
	var he *capability.HandlerError
	if errors.As(err, &he) && he.Message != "" {
		return he.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
