package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Layout:
//
//	chadgate:key:<hash>   hash {id, name, remaining, revoked, created_at, updated_at}
//	chadgate:keyid:<id>   string -> <hash>
//	chadgate:keys         set of ids
const (
	keyHashPrefix = "chadgate:key:"
	keyIDPrefix   = "chadgate:keyid:"
	keySetKey     = "chadgate:keys"
)

// Returns {status, remaining}: 0 consumed, 1 exhausted, 2 unknown.
var consumeScript = redis.NewScript(`
local rem = redis.call('HGET', KEYS[1], 'remaining')
if not rem or redis.call('HGET', KEYS[1], 'revoked') == '1' then
  return {2, 0}
end
rem = tonumber(rem)
local amt = tonumber(ARGV[1])
if rem < amt then
  return {1, rem}
end
rem = redis.call('HINCRBY', KEYS[1], 'remaining', -amt)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return {0, rem}
`)

// Returns {status, remaining}: 0 ok, 1 revoked, 2 missing.
var topUpScript = redis.NewScript(`
local h = redis.call('GET', KEYS[1])
if not h then
  return {2, 0}
end
local k = ARGV[3] .. h
if redis.call('HGET', k, 'revoked') == '1' then
  return {1, 0}
end
local rem = redis.call('HINCRBY', k, 'remaining', tonumber(ARGV[1]))
redis.call('HSET', k, 'updated_at', ARGV[2])
return {0, rem}
`)

// RedisStore keeps keys in Redis hashes; quota changes run as Lua scripts.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Create(ctx context.Context, key *Key) error {
	idKey, hashKey := keyIDPrefix+key.ID, keyHashPrefix+key.Hash
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, idKey, hashKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateKey
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, hashKey, map[string]any{
				"id":         key.ID,
				"name":       key.Name,
				"remaining":  key.Remaining,
				"revoked":    boolFlag(key.Revoked),
				"created_at": key.CreatedAt.UnixNano(),
				"updated_at": key.UpdatedAt.UnixNano(),
			})
			p.Set(ctx, idKey, key.Hash, 0)
			p.SAdd(ctx, keySetKey, key.ID)
			return nil
		})
		return err
	}, idKey, hashKey)
	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent Create wrote one of the watched keys.
		return ErrDuplicateKey
	}
	return err
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Key, error) {
	hash, err := r.rdb.Get(ctx, keyIDPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.load(ctx, hash)
}

func (r *RedisStore) load(ctx context.Context, hash string) (*Key, error) {
	vals, err := r.rdb.HGetAll(ctx, keyHashPrefix+hash).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrKeyNotFound
	}
	k := &Key{ID: vals["id"], Hash: hash, Name: vals["name"], Revoked: vals["revoked"] == "1"}
	if k.Remaining, err = strconv.ParseInt(vals["remaining"], 10, 64); err != nil {
		return nil, fmt.Errorf("entitlement: corrupt remaining for %s: %w", k.ID, err)
	}
	k.CreatedAt = unixNano(vals["created_at"])
	k.UpdatedAt = unixNano(vals["updated_at"])
	return k, nil
}

func (r *RedisStore) List(ctx context.Context) ([]*Key, error) {
	ids, err := r.rdb.SMembers(ctx, keySetKey).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]*Key, 0, len(ids))
	for _, id := range ids {
		k, err := r.Get(ctx, id)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sortNewestFirst(keys)
	return keys, nil
}

func (r *RedisStore) Consume(ctx context.Context, hash string, amount int64) (int64, error) {
	res, err := consumeScript.Run(ctx, r.rdb, []string{keyHashPrefix + hash}, amount, time.Now().UnixNano()).Int64Slice()
	if err != nil {
		return 0, err
	}
	switch res[0] {
	case 0:
		return res[1], nil
	case 1:
		return res[1], ErrExhausted
	default:
		return 0, ErrUnknownKey
	}
}

func (r *RedisStore) TopUp(ctx context.Context, id string, amount int64) (int64, error) {
	res, err := topUpScript.Run(ctx, r.rdb, []string{keyIDPrefix + id}, amount, time.Now().UnixNano(), keyHashPrefix).Int64Slice()
	if err != nil {
		return 0, err
	}
	switch res[0] {
	case 0:
		return res[1], nil
	case 1:
		return 0, ErrKeyRevoked
	default:
		return 0, ErrKeyNotFound
	}
}

func (r *RedisStore) Revoke(ctx context.Context, id string) error {
	hash, err := r.rdb.Get(ctx, keyIDPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, keyHashPrefix+hash, "revoked", "1", "updated_at", time.Now().UnixNano()).Err()
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func unixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ Store = (*RedisStore)(nil)
