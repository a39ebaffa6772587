package dispatch

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidNonce = errors.New("dispatch: invalid payment nonce")
	ErrNonceExpired = errors.New("dispatch: payment nonce expired")
)

// NonceSigner issues and checks challenge nonces. A nonce is
// "<expiry unix>.<mac>" where mac signs "<tool>.<expiry>", so any replica
// holding the same secret can check it without shared state.
type NonceSigner struct {
	key      []byte
	validFor time.Duration
	now      func() time.Time
}

// NewNonceSigner creates a signer. An empty secret gets a random per-process
// key, which only works for a single replica.
func NewNonceSigner(secret string, validFor time.Duration) *NonceSigner {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
	}
	if validFor <= 0 {
		validFor = 5 * time.Minute
	}
	return &NonceSigner{key: key, validFor: validFor, now: time.Now}
}

// ValidFor is how long issued nonces stay valid.
func (s *NonceSigner) ValidFor() time.Duration { return s.validFor }

// Issue returns a nonce for tool.
func (s *NonceSigner) Issue(tool string) string {
	exp := strconv.FormatInt(s.now().Add(s.validFor).Unix(), 10)
	return exp + "." + s.sign(tool, exp)
}

// Check verifies that nonce was issued for tool and has not expired.
func (s *NonceSigner) Check(tool, nonce string) error {
	exp, mac, ok := strings.Cut(nonce, ".")
	if !ok || exp == "" || mac == "" {
		return ErrInvalidNonce
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrInvalidNonce
	}
	if !hmac.Equal([]byte(mac), []byte(s.sign(tool, exp))) {
		return ErrInvalidNonce
	}
	if s.now().Unix() > unix {
		return ErrNonceExpired
	}
	return nil
}

func (s *NonceSigner) sign(tool, exp string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(tool))
	h.Write([]byte{'.'})
	h.Write([]byte(exp))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
