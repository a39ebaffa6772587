package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each job in a hash at chadgate:job:<id>, with terminal jobs
// indexed by expiry in the sorted set chadgate:jobs:expiry.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

const expiryIndex = "chadgate:jobs:expiry"

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func jobKey(id string) string { return "chadgate:job:" + id }

// transitionScript checks the current state against the allowed set, then
// writes the new state and fields in one step.
//
// KEYS[1] job hash, KEYS[2] expiry index.
// ARGV[1] new state, ARGV[2] job id, ARGV[3] expiry score (unix ms) or "",
// ARGV[4] n allowed states, ARGV[5..4+n] allowed states, then field/value pairs.
// Returns 0 when missing, 1 when the state did not match, 2 on success.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return 0 end
local n = tonumber(ARGV[4])
local ok = false
for i = 5, 4 + n do
  if ARGV[i] == cur then ok = true end
end
if not ok then return 1 end
redis.call('HSET', KEYS[1], 'state', ARGV[1])
for i = 5 + n, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[3] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
end
return 2
`)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

func (r *RedisStore) Create(ctx context.Context, job *Job) error {
	created, err := createScript.Run(ctx, r.rdb, []string{jobKey(job.ID)},
		"id", job.ID,
		"tool", job.Tool,
		"input", string(job.Input),
		"state", string(job.State),
		"created_at", job.CreatedAt.UnixNano(),
		"updated_at", job.UpdatedAt.UnixNano(),
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	vals, err := r.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 || vals["state"] == "" {
		return nil, ErrJobNotFound
	}
	return decodeJob(vals), nil
}

func (r *RedisStore) Transition(ctx context.Context, id string, from []State, t Transition) (*Job, error) {
	score := ""
	if t.ExpiresAt != nil {
		score = strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10)
	}
	args := []any{string(t.To), id, score, len(from)}
	for _, s := range from {
		args = append(args, string(s))
	}
	args = append(args, "updated_at", t.At.UnixNano(), "error", t.Error)
	switch t.To {
	case StateRunning:
		args = append(args, "started_at", t.At.UnixNano())
	case StateCompleted, StateFailed:
		args = append(args, "finished_at", t.At.UnixNano(), "result", string(t.Result))
	}
	if t.ExpiresAt != nil {
		args = append(args, "expires_at", t.ExpiresAt.UnixNano())
	}

	status, err := transitionScript.Run(ctx, r.rdb, []string{jobKey(id), expiryIndex}, args...).Int()
	if err != nil {
		return nil, err
	}
	switch status {
	case 0:
		return nil, ErrJobNotFound
	case 1:
		cur, err := r.rdb.HGet(ctx, jobKey(id), "state").Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, t.To)
	}
	return r.Get(ctx, id)
}

func (r *RedisStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, expiryIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		// ZREM decides ownership when several sweepers race.
		removed, err := r.rdb.ZRem(ctx, expiryIndex, id).Result()
		if err != nil {
			return deleted, err
		}
		if removed == 0 {
			continue
		}
		if err := r.rdb.Del(ctx, jobKey(id)).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func decodeJob(v map[string]string) *Job {
	j := &Job{
		ID:        v["id"],
		Tool:      v["tool"],
		State:     State(v["state"]),
		Error:     v["error"],
		CreatedAt: unixNano(v["created_at"]),
		UpdatedAt: unixNano(v["updated_at"]),
	}
	if in := v["input"]; in != "" {
		j.Input = []byte(in)
	}
	if res := v["result"]; res != "" {
		j.Result = []byte(res)
	}
	j.StartedAt = optionalTime(v["started_at"])
	j.FinishedAt = optionalTime(v["finished_at"])
	j.ExpiresAt = optionalTime(v["expires_at"])
	return j
}

func unixNano(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.Unix(0, n).UTC()
}

func optionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := unixNano(s)
	return &t
}
