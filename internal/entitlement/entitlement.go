// Package entitlement manages prepaid API keys and their call quotas.
//
// Keys look like sk_<64 hex> and are shown once at issue time; only their
// SHA-256 hash is stored. Every authorized call consumes quota through a
// single atomic decrement-if-sufficient, so concurrent calls on one key can
// never overdraw it.
package entitlement

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/chadgate/internal/idgen"
	"github.com/mbd888/chadgate/internal/logging"
)

var (
	ErrUnknownKey    = errors.New("entitlement: unknown or revoked API key")
	ErrExhausted     = errors.New("entitlement: quota exhausted")
	ErrKeyNotFound   = errors.New("entitlement: key not found")
	ErrKeyRevoked    = errors.New("entitlement: key revoked")
	ErrDuplicateKey  = errors.New("entitlement: key already exists")
	ErrInvalidAmount = errors.New("entitlement: amount must be positive")
)

// KeyPrefix starts every raw API key.
const KeyPrefix = "sk_"

// Key is a stored API key. The raw key is never persisted.
type Key struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"`
	Name      string    `json:"name"`
	Remaining int64     `json:"remaining"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists keys. Consume and TopUp must be atomic per key.
type Store interface {
	Create(ctx context.Context, key *Key) error
	Get(ctx context.Context, id string) (*Key, error)
	List(ctx context.Context) ([]*Key, error)
	// Consume decrements remaining by amount iff remaining >= amount.
	// Missing or revoked keys return ErrUnknownKey.
	Consume(ctx context.Context, hash string, amount int64) (remaining int64, err error)
	TopUp(ctx context.Context, id string, amount int64) (remaining int64, err error)
	Revoke(ctx context.Context, id string) error
}

// Manager issues keys and meters their use.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a manager over store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logging.OrDiscard(logger)}
}

// Issue creates a key with quota calls. The raw key is returned once.
func (m *Manager) Issue(ctx context.Context, name string, quota int64) (rawKey string, key *Key, err error) {
	if quota < 0 {
		return "", nil, ErrInvalidAmount
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = KeyPrefix + hex.EncodeToString(b)

	now := time.Now().UTC()
	key = &Key{
		ID:        idgen.WithPrefix(idgen.PrefixKey),
		Hash:      HashKey(rawKey),
		Name:      name,
		Remaining: quota,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("entitlement: create key: %w", err)
	}
	m.logger.Info("api key issued", "key_id", key.ID, "name", name, "quota", quota)
	return rawKey, key, nil
}

// Consume spends amount calls from the key. It returns the quota left.
func (m *Manager) Consume(ctx context.Context, rawKey string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return 0, ErrUnknownKey
	}
	remaining, err := m.store.Consume(ctx, HashKey(rawKey), amount)
	consumeTotal.WithLabelValues(consumeResult(err)).Inc()
	return remaining, err
}

// TopUp adds amount calls to a key.
func (m *Manager) TopUp(ctx context.Context, id string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	remaining, err := m.store.TopUp(ctx, id, amount)
	if err != nil {
		return 0, err
	}
	m.logger.Info("api key topped up", "key_id", id, "amount", amount, "remaining", remaining)
	return remaining, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Key, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*Key, error) {
	return m.store.List(ctx)
}

// Revoke disables a key permanently.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.store.Revoke(ctx, id); err != nil {
		return err
	}
	m.logger.Info("api key revoked", "key_id", id)
	return nil
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// KeyFromRequest extracts a raw key from Authorization: Bearer or X-API-Key.
func KeyFromRequest(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if after, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func consumeResult(err error) string {
	switch {
	case err == nil:
		return "consumed"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	default:
		return "error"
	}
}
