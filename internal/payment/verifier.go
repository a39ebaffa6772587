package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/retry"
	"github.com/mbd888/chadgate/internal/solana"
	"github.com/mbd888/chadgate/internal/traces"
)

// ChainLookup resolves a signature to what it paid recipient.
type ChainLookup interface {
	GetTransfer(ctx context.Context, signature, recipient string) (*solana.Transfer, error)
}

// VerifierConfig tunes chain lookups.
type VerifierConfig struct {
	// MinConfirmations below which a non-finalized transfer is treated as
	// not found yet. 0 accepts whatever the RPC commitment level returns.
	MinConfirmations int
	// Lookup bounds retries while the RPC node catches up.
	Lookup retry.Policy
}

// Verifier checks payments on chain and claims them in the ledger.
type Verifier struct {
	chain  ChainLookup
	ledger Ledger
	cfg    VerifierConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewVerifier creates a verifier. A nil logger discards.
func NewVerifier(chain ChainLookup, ledger Ledger, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if cfg.Lookup.MaxAttempts <= 0 {
		cfg.Lookup = retry.Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second}
	}
	return &Verifier{
		chain:  chain,
		ledger: ledger,
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
}

// VerifyAndClaim accepts signature as payment of at least amount lamports to
// recipient for tool. On success the claim has been written; on any error
// nothing has been written.
func (v *Verifier) VerifyAndClaim(ctx context.Context, signature, recipient string, amount uint64, tool string) (claim *Claim, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.VerifyAndClaim",
		traces.Tool(tool), traces.Signature(signature), traces.Lamports(amount))
	start := time.Now()
	defer func() {
		result := "accepted"
		if err != nil {
			result = Reason(err)
		}
		verificationsTotal.WithLabelValues(result).Inc()
		verifyDuration.Observe(time.Since(start).Seconds())
		traces.RecordError(span, err)
		span.End()
	}()

	if solana.ValidateSignature(signature) != nil {
		return nil, ErrInvalidSignatureFormat
	}

	// Fast path only; the claim below is what actually prevents replay.
	if _, err := v.ledger.Get(ctx, signature); err == nil {
		return nil, ErrAlreadyRedeemed
	} else if !errors.Is(err, ErrClaimNotFound) {
		return nil, fmt.Errorf("payment: ledger lookup: %w", err)
	}

	transfer, err := v.lookup(ctx, signature, recipient)
	if err != nil {
		return nil, err
	}

	if transfer.Amount < amount {
		v.logger.Info("payment below price",
			"tool", tool, "signature", signature, "paid", transfer.Amount, "price", amount, "failed_tx", transfer.Failed)
		return nil, fmt.Errorf("%w: paid %d lamports, price is %d", ErrAmountMismatch, transfer.Amount, amount)
	}

	claim = &Claim{
		Signature:  signature,
		Tool:       tool,
		Amount:     transfer.Amount,
		Payer:      transfer.Payer,
		RedeemedAt: v.now().UTC(),
	}
	if err := v.ledger.Claim(ctx, claim); err != nil {
		if errors.Is(err, ErrAlreadyRedeemed) {
			return nil, ErrAlreadyRedeemed
		}
		return nil, fmt.Errorf("payment: claim: %w", err)
	}

	v.logger.Info("payment claimed", "tool", tool, "signature", signature, "lamports", claim.Amount, "payer", claim.Payer)
	return claim, nil
}

// lookup polls the chain until the transfer is visible with enough
// confirmations or the retry policy gives up.
func (v *Verifier) lookup(ctx context.Context, signature, recipient string) (*solana.Transfer, error) {
	var transfer *solana.Transfer
	var lastErr error

	err := v.cfg.Lookup.Do(ctx, func(attempt int) error {
		t, err := v.chain.GetTransfer(ctx, signature, recipient)
		switch {
		case errors.Is(err, solana.ErrNotFound):
			lastErr = err
		case err != nil:
			v.logger.Warn("chain lookup failed", "signature", signature, "attempt", attempt, "error", err)
			lastErr = err
		case v.cfg.MinConfirmations > 0 && !t.Finalized && t.Confirmations < v.cfg.MinConfirmations:
			lastErr = fmt.Errorf("%d of %d confirmations", t.Confirmations, v.cfg.MinConfirmations)
		default:
			transfer = t
			return nil
		}
		return lastErr
	})
	if err == nil {
		return transfer, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionNotFound, ctx.Err())
	}
	return nil, fmt.Errorf("%w: %v", ErrTransactionNotFound, lastErr)
}
