package entitlement

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestManager_IssueAndConsume(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	raw, key, err := m.Issue(ctx, "research-bot", 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, KeyPrefix))
	assert.Len(t, raw, len(KeyPrefix)+64)
	assert.True(t, strings.HasPrefix(key.ID, "key_"))
	assert.Equal(t, HashKey(raw), key.Hash)
	assert.NotContains(t, key.Hash, raw)

	// remaining=1: first call consumed, second exhausted.
	rem, err := m.Consume(ctx, raw, 1)
	require.NoError(t, err)
	assert.Zero(t, rem)
	_, err = m.Consume(ctx, raw, 1)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestManager_ConsumeRejects(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := m.Consume(ctx, "not-a-key", 1)
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = m.Consume(ctx, "sk_"+strings.Repeat("0", 64), 1)
	assert.ErrorIs(t, err, ErrUnknownKey)

	raw, _, err := m.Issue(ctx, "x", 5)
	require.NoError(t, err)
	_, err = m.Consume(ctx, raw, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = m.Issue(ctx, "neg", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestManager_TopUpRevoke(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	raw, key, err := m.Issue(ctx, "x", 0)
	require.NoError(t, err)
	_, err = m.Consume(ctx, raw, 1)
	assert.ErrorIs(t, err, ErrExhausted)

	rem, err := m.TopUp(ctx, key.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rem)
	_, err = m.TopUp(ctx, key.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	require.NoError(t, m.Revoke(ctx, key.ID))
	_, err = m.Consume(ctx, raw, 1)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

// Remaining never goes negative and tracks issued+topped-up-consumed.
func TestManager_QuotaInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewManager(NewMemoryStore(), nil)
		ctx := context.Background()
		initial := rapid.Int64Range(0, 20).Draw(rt, "initial")
		raw, key, err := m.Issue(ctx, "prop", initial)
		if err != nil {
			rt.Fatal(err)
		}
		model := initial

		ops := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 50).Draw(rt, "ops")
		for _, op := range ops {
			if op == 0 {
				amt := rapid.Int64Range(1, 5).Draw(rt, "consume")
				rem, err := m.Consume(ctx, raw, amt)
				if model >= amt {
					if err != nil {
						rt.Fatalf("consume %d of %d: %v", amt, model, err)
					}
					model -= amt
				} else if err != ErrExhausted {
					rt.Fatalf("want exhausted at %d < %d, got %v", model, amt, err)
				}
				if err == nil && rem != model {
					rt.Fatalf("remaining %d, model %d", rem, model)
				}
			} else {
				amt := rapid.Int64Range(1, 5).Draw(rt, "topup")
				if _, err := m.TopUp(ctx, key.ID, amt); err != nil {
					rt.Fatal(err)
				}
				model += amt
			}
			got, _ := m.Get(ctx, key.ID)
			if got.Remaining < 0 || got.Remaining != model {
				rt.Fatalf("stored remaining %d, model %d", got.Remaining, model)
			}
		}
	})
}

func TestKeyFromRequest(t *testing.T) {
	r, _ := http.NewRequest(http.MethodPost, "/v1/tools/x", nil)
	assert.Empty(t, KeyFromRequest(r))

	r.Header.Set("X-API-Key", " sk_alt ")
	assert.Equal(t, "sk_alt", KeyFromRequest(r))

	r.Header.Set("Authorization", "Bearer sk_bearer")
	assert.Equal(t, "sk_bearer", KeyFromRequest(r), "bearer wins")

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "sk_alt", KeyFromRequest(r), "non-bearer authorization ignored")
}
