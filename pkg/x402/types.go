// Package x402 holds the wire types of the HTTP 402 payment handshake and a
// client that completes it.
//
// A server answers an unpaid call with 402 and a Challenge. The client pays
// the challenge's recipient on Solana and repeats the call with the
// transaction signature in X-Payment-Signature, echoing the challenge nonce
// in X-Payment-Nonce.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Protocol constants.
const (
	Version  = 1
	Scheme   = "exact"
	Network  = "solana"
	Currency = "SOL"
	Unit     = "lamports"
)

// Request and response headers.
const (
	HeaderSignature = "X-Payment-Signature"
	HeaderNonce     = "X-Payment-Nonce"
	HeaderAmount    = "X-Payment-Amount"
	HeaderRecipient = "X-Payment-Recipient"
	HeaderNetwork   = "X-Payment-Network"
	HeaderReason    = "X-Payment-Reason"
)

// Reason codes carried by a Challenge.
const (
	ReasonPaymentRequired        = "payment_required"
	ReasonInvalidSignatureFormat = "invalid_signature_format"
	ReasonTransactionNotFound    = "transaction_not_found"
	ReasonAmountMismatch         = "amount_mismatch"
	ReasonAlreadyRedeemed        = "already_redeemed"
	ReasonQuotaExhausted         = "quota_exhausted"
	ReasonInvalidNonce           = "invalid_nonce"
)

// Challenge is the body of a 402 response.
type Challenge struct {
	Error              string `json:"error"`
	Reason             string `json:"reason"`
	Message            string `json:"message"`
	Retryable          bool   `json:"retryable"`
	RetrySameSignature bool   `json:"retrySameSignature"`
	X402Version        int    `json:"x402Version"`
	Scheme             string `json:"scheme"`
	Network            string `json:"network"`
	Tool               string `json:"tool"`
	Amount             uint64 `json:"amount"`
	AmountSOL          string `json:"amountSol"`
	Currency           string `json:"currency"`
	Unit               string `json:"unit"`
	Recipient          string `json:"recipient"`
	Nonce              string `json:"nonce"`
	ValidFor           int64  `json:"validFor"` // seconds
	Description        string `json:"description,omitempty"`
}

// SetHeaders mirrors the challenge into response headers for clients that
// do not read the body.
func (c *Challenge) SetHeaders(h http.Header) {
	h.Set(HeaderAmount, strconv.FormatUint(c.Amount, 10))
	h.Set(HeaderRecipient, c.Recipient)
	h.Set(HeaderNetwork, c.Network)
	h.Set(HeaderReason, c.Reason)
	if c.Nonce != "" {
		h.Set(HeaderNonce, c.Nonce)
	}
}

// Error represents an x402 error response
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseChallenge reads the challenge from a 402 response body.
func ParseChallenge(resp *http.Response) (*Challenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var ch Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("failed to parse payment challenge: %w", err)
	}
	if ch.Recipient == "" || ch.Amount == 0 {
		return nil, fmt.Errorf("payment challenge missing recipient or amount")
	}
	return &ch, nil
}

// SetPayment adds the payment proof headers to req.
func SetPayment(req *http.Request, signature, nonce string) {
	req.Header.Set(HeaderSignature, signature)
	if nonce != "" {
		req.Header.Set(HeaderNonce, nonce)
	}
}
