// Package solana looks up SOL transfers on chain over Solana's JSON-RPC API.
package solana

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
)

var (
	ErrNotFound         = errors.New("solana: transaction not found")
	ErrInvalidSignature = errors.New("solana: signature must be 64 base58-encoded bytes")
	ErrInvalidPublicKey = errors.New("solana: public key must be 32 base58-encoded bytes")
)

// Commitment levels accepted by the RPC.
const (
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// Transfer is what one transaction did for one recipient.
type Transfer struct {
	Signature     string
	Recipient     string
	Payer         string // fee payer, first account key
	Amount        uint64 // lamports credited to Recipient; 0 for failed transactions
	Failed        bool
	Slot          uint64
	BlockTime     time.Time
	Confirmations int  // -1 when unknown
	Finalized     bool // rooted; confirmations no longer counted
}

// Caller is the slice of *rpc.Client the lookup needs.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Client resolves transfers through a Solana RPC node.
type Client struct {
	rpc        Caller
	commitment string
}

// Option configures a Client.
type Option func(*Client)

// WithCommitment sets the commitment level used for lookups.
func WithCommitment(c string) Option {
	return func(cl *Client) { cl.commitment = c }
}

// Dial connects to a Solana RPC endpoint.
func Dial(ctx context.Context, url string, timeout time.Duration, opts ...Option) (*Client, error) {
	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("solana: dial %s: %w", url, err)
	}
	return NewClient(rc, opts...), nil
}

// NewClient wraps an existing RPC caller.
func NewClient(c Caller, opts ...Option) *Client {
	cl := &Client{rpc: c, commitment: CommitmentConfirmed}
	for _, o := range opts {
		o(cl)
	}
	return cl
}

type uiMessage struct {
	AccountKeys []string `json:"accountKeys"`
}

type txResult struct {
	Slot        uint64 `json:"slot"`
	BlockTime   *int64 `json:"blockTime"`
	Transaction struct {
		Signatures []string  `json:"signatures"`
		Message    uiMessage `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err             any      `json:"err"`
		PreBalances     []uint64 `json:"preBalances"`
		PostBalances    []uint64 `json:"postBalances"`
		LoadedAddresses *struct {
			Writable []string `json:"writable"`
			Readonly []string `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
}

type statusResult struct {
	Value []*struct {
		Slot               uint64 `json:"slot"`
		Confirmations      *int   `json:"confirmations"`
		ConfirmationStatus string `json:"confirmationStatus"`
	} `json:"value"`
}

// GetTransfer returns the lamports signature moved to recipient. A
// transaction the node does not know (yet) is ErrNotFound.
func (c *Client) GetTransfer(ctx context.Context, signature, recipient string) (*Transfer, error) {
	var tx *txResult
	err := c.rpc.CallContext(ctx, &tx, "getTransaction", signature, map[string]any{
		"encoding":                       "json",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("solana: getTransaction: %w", err)
	}
	if tx == nil || tx.Meta == nil {
		return nil, ErrNotFound
	}

	t := &Transfer{
		Signature:     signature,
		Recipient:     recipient,
		Slot:          tx.Slot,
		Confirmations: -1,
	}
	if tx.BlockTime != nil {
		t.BlockTime = time.Unix(*tx.BlockTime, 0).UTC()
	}

	keys := tx.Transaction.Message.AccountKeys
	if la := tx.Meta.LoadedAddresses; la != nil {
		keys = slices.Concat(keys, la.Writable, la.Readonly)
	}
	if len(keys) > 0 {
		t.Payer = keys[0]
	}

	if tx.Meta.Err != nil {
		t.Failed = true
	} else {
		t.Amount = credited(keys, tx.Meta.PreBalances, tx.Meta.PostBalances, recipient)
	}

	if err := c.fillStatus(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func credited(keys []string, pre, post []uint64, recipient string) uint64 {
	for i, k := range keys {
		if k != recipient || i >= len(pre) || i >= len(post) {
			continue
		}
		if post[i] > pre[i] {
			return post[i] - pre[i]
		}
		return 0
	}
	return 0
}

func (c *Client) fillStatus(ctx context.Context, t *Transfer) error {
	var res statusResult
	err := c.rpc.CallContext(ctx, &res, "getSignatureStatuses", []string{t.Signature}, map[string]any{
		"searchTransactionHistory": true,
	})
	if err != nil {
		return fmt.Errorf("solana: getSignatureStatuses: %w", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		// getTransaction saw it at our commitment; the status cache may lag.
		return nil
	}
	st := res.Value[0]
	switch {
	case st.ConfirmationStatus == CommitmentFinalized || st.Confirmations == nil:
		t.Finalized = true
	default:
		t.Confirmations = *st.Confirmations
	}
	return nil
}

// Ping checks the node is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	var res string
	if err := c.rpc.CallContext(ctx, &res, "getHealth"); err != nil {
		return fmt.Errorf("solana: getHealth: %w", err)
	}
	if res != "ok" {
		return fmt.Errorf("solana: node unhealthy: %s", res)
	}
	return nil
}

// ValidateSignature checks sig is a base58 transaction signature.
func ValidateSignature(sig string) error {
	raw, err := base58.Decode(sig)
	if err != nil || len(raw) != 64 {
		return ErrInvalidSignature
	}
	return nil
}

// ValidatePublicKey checks key is a base58 ed25519 public key.
func ValidatePublicKey(key string) error {
	raw, err := base58.Decode(key)
	if err != nil || len(raw) != 32 {
		return ErrInvalidPublicKey
	}
	return nil
}
