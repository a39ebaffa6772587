// Package payment verifies on-chain micropayments and records each redeemed
// transaction signature exactly once.
//
// The ledger claim is the authoritative replay check: a signature enters the
// ledger through a single insert-if-absent, so two requests racing on the
// same signature see exactly one success no matter how many replicas serve
// them.
package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSignatureFormat = errors.New("payment: malformed transaction signature")
	ErrTransactionNotFound    = errors.New("payment: transaction not found on chain")
	ErrAmountMismatch         = errors.New("payment: transfer amount below price")
	ErrAlreadyRedeemed        = errors.New("payment: signature already redeemed")
	ErrClaimNotFound          = errors.New("payment: claim not found")
)

// Claim is a redeemed payment.
type Claim struct {
	Signature  string    `json:"signature"`
	Tool       string    `json:"tool"`
	Amount     uint64    `json:"amount"` // lamports actually transferred
	Payer      string    `json:"payer,omitempty"`
	RedeemedAt time.Time `json:"redeemedAt"`
}

// Ledger records redeemed signatures.
type Ledger interface {
	// Claim inserts c if its signature is absent, else ErrAlreadyRedeemed.
	Claim(ctx context.Context, c *Claim) error
	Get(ctx context.Context, signature string) (*Claim, error)
}

// Reason is the stable code surfaced to clients for a rejection.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignatureFormat):
		return "invalid_signature_format"
	case errors.Is(err, ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrAlreadyRedeemed):
		return "already_redeemed"
	default:
		return "payment_error"
	}
}

// Transient reports whether retrying the same signature later may succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrTransactionNotFound)
}
