package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payer sends the transfer a challenge asks for and returns its signature.
type Payer interface {
	Pay(ctx context.Context, ch *Challenge) (signature string, err error)
}

// Client wraps http.Client with automatic 402 handling.
type Client struct {
	httpClient *http.Client
	payer      Payer

	MaxPayments    int           // new payments per call (default 1)
	MaxSameRetries int           // resubmissions of a signature still confirming (default 3)
	RetryDelay     time.Duration // wait before resubmitting (default 2s)
	MaxLamports    uint64        // refuse challenges above this; 0 means no cap
	APIKey         string        // sent as a bearer token when set

	// OnPayment runs after each successful payment.
	OnPayment func(ch *Challenge, signature string)
}

// NewClient creates a client that pays through payer.
func NewClient(payer Payer) *Client {
	return &Client{
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		payer:          payer,
		MaxPayments:    1,
		MaxSameRetries: 3,
		RetryDelay:     2 * time.Second,
	}
}

// WithHTTPClient replaces the underlying client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Do performs an HTTP request with automatic 402 payment handling
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	payments, sameRetries := 0, 0
	for {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode != http.StatusPaymentRequired || c.payer == nil {
			return resp, nil
		}

		ch, err := ParseChallenge(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}

		// A signature that is still confirming is resubmitted, paired with
		// the nonce of the latest challenge.
		if sig := req.Header.Get(HeaderSignature); sig != "" && ch.RetrySameSignature {
			if sameRetries >= c.MaxSameRetries {
				return nil, &Error{Code: ch.Reason, Message: ch.Message}
			}
			sameRetries++
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.RetryDelay):
			}
			SetPayment(req, sig, ch.Nonce)
			continue
		}

		if payments >= c.MaxPayments {
			return nil, &Error{Code: ch.Reason, Message: ch.Message}
		}
		if c.MaxLamports > 0 && ch.Amount > c.MaxLamports {
			return nil, fmt.Errorf("payment of %d lamports exceeds max %d", ch.Amount, c.MaxLamports)
		}

		sig, err := c.payer.Pay(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}
		payments++
		sameRetries = 0
		if c.OnPayment != nil {
			c.OnPayment(ch, sig)
		}
		SetPayment(req, sig, ch.Nonce)
	}
}

// Get performs a GET request with automatic 402 handling
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post sends a JSON body with automatic 402 handling.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}
