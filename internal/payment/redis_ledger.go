package payment

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "chadgate:claim:"

// RedisLedger stores claims as JSON under one key per signature, written
// with SETNX. Keys never expire: a signature stays redeemed forever.
type RedisLedger struct {
	rdb *redis.Client
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

func (r *RedisLedger) Claim(ctx context.Context, c *Claim) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, claimKeyPrefix+c.Signature, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRedeemed
	}
	return nil
}

func (r *RedisLedger) Get(ctx context.Context, signature string) (*Claim, error) {
	data, err := r.rdb.Get(ctx, claimKeyPrefix+signature).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

var _ Ledger = (*RedisLedger)(nil)
