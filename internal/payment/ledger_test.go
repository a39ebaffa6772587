package payment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chadgate/internal/testutil"
)

// runLedgerContract exercises behaviour every Ledger must share.
func runLedgerContract(t *testing.T, l Ledger) {
	ctx := context.Background()

	_, err := l.Get(ctx, testSig)
	assert.ErrorIs(t, err, ErrClaimNotFound)

	c := &Claim{
		Signature:  testSig,
		Tool:       "deep_research",
		Amount:     20_000_000,
		Payer:      testPayer,
		RedeemedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, l.Claim(ctx, c))

	got, err := l.Get(ctx, testSig)
	require.NoError(t, err)
	assert.Equal(t, c.Tool, got.Tool)
	assert.Equal(t, c.Amount, got.Amount)
	assert.Equal(t, c.Payer, got.Payer)
	assert.True(t, c.RedeemedAt.Equal(got.RedeemedAt))

	second := *c
	second.Tool = "get_crypto_price"
	assert.ErrorIs(t, l.Claim(ctx, &second), ErrAlreadyRedeemed)

	got, err = l.Get(ctx, testSig)
	require.NoError(t, err)
	assert.Equal(t, "deep_research", got.Tool, "losing claim must not overwrite")

	// Concurrent claims of a fresh signature.
	const racers = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	fresh := &Claim{Signature: "fresh-" + testSig[:20], Tool: "x", Amount: 1, RedeemedAt: time.Now().UTC()}
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Claim(ctx, fresh) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryLedger(t *testing.T) {
	runLedgerContract(t, NewMemoryLedger())
}

func TestRedisLedger(t *testing.T) {
	rdb, mr := testutil.RedisTest(t)
	runLedgerContract(t, NewRedisLedger(rdb))

	assert.True(t, mr.Exists(claimKeyPrefix+testSig))
	assert.Zero(t, mr.TTL(claimKeyPrefix+testSig), "claims must not expire")
}
