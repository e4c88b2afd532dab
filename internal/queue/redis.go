package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tecnicocursos/render-api/internal/model"
)

// KEYS: pending, leased, entries, scores, tokens
var pushScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
return redis.call('ZADD', KEYS[1], 'NX', ARGV[3], ARGV[1])
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
redis.call('HSET', KEYS[5], id, ARGV[2])
return {id, redis.call('HGET', KEYS[3], id)}
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[2], 'XX', tonumber(ARGV[3]), ARGV[1])
return 1
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZADD', KEYS[1], tonumber(redis.call('HGET', KEYS[4], ARGV[1])), ARGV[1])
return 1
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[5], id)
	redis.call('ZADD', KEYS[1], tonumber(redis.call('HGET', KEYS[4], id)), id)
end
return #ids
`)

// RedisQueue is a lease queue shared by every worker process using the same Redis.
type RedisQueue struct {
	redis *redis.Client
	keys  []string
}

func NewRedisQueue(redisClient *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "render:queue"
	}
	return &RedisQueue{
		redis: redisClient,
		keys: []string{
			prefix + ":pending",
			prefix + ":leased",
			prefix + ":entries",
			prefix + ":scores",
			prefix + ":tokens",
		},
	}
}

func (q *RedisQueue) Push(ctx context.Context, entry model.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	s := strconv.FormatFloat(score(entry), 'f', 0, 64)
	if err := pushScript.Run(ctx, q.redis, q.keys, entry.JobID, data, s).Err(); err != nil {
		return fmt.Errorf("failed to push entry: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, owner string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	expiresAt := time.Now().Add(ttl)
	res, err := claimScript.Run(ctx, q.redis, q.keys, expiresAt.UnixMilli(), token).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected claim reply: %v", res)
	}

	var entry model.QueueEntry
	raw, _ := res[1].(string)
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// entry body lost, the id alone is enough to find the job
		id, _ := res[0].(string)
		entry = model.QueueEntry{JobID: id}
	}
	return &Lease{Entry: entry, Owner: owner, Token: token, ExpiresAt: expiresAt}, nil
}

func (q *RedisQueue) settle(ctx context.Context, script *redis.Script, lease *Lease, extra ...any) error {
	args := append([]any{lease.Entry.JobID, lease.Token}, extra...)
	n, err := script.Run(ctx, q.redis, q.keys, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	if err := q.settle(ctx, extendScript, lease, expiresAt.UnixMilli()); err != nil {
		return err
	}
	lease.ExpiresAt = expiresAt
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	return q.settle(ctx, ackScript, lease)
}

func (q *RedisQueue) Release(ctx context.Context, lease *Lease) error {
	return q.settle(ctx, releaseScript, lease)
}

func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	return reclaimScript.Run(ctx, q.redis, q.keys, now.UnixMilli()).Int()
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.redis.Pipeline()
	pending := pipe.ZCard(ctx, q.keys[0])
	leased := pipe.ZCard(ctx, q.keys[1])
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Pending: pending.Val(), Leased: leased.Val()}, nil
}
