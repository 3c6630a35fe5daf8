package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript implements Consume as one server-side step. The bucket is a
// hash with fields ws (window start), c (consumed) and b (block until), all
// in unix milliseconds, expired by PEXPIRE. Time comes from the Redis server
// so replicas with skewed clocks agree on window and block boundaries.
var consumeScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local points = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local block = tonumber(ARGV[3])
local v = redis.call('HMGET', KEYS[1], 'ws', 'c', 'b')
local ws = tonumber(v[1]) or 0
local c = tonumber(v[2]) or 0
local b = tonumber(v[3]) or 0
if b > now then
  return {0, 0, b, 1}
end
if ws == 0 or b > 0 or now >= ws + window then
  ws = now
  c = 0
  b = 0
end
c = c + 1
local wend = ws + window
if c > points then
  if block > 0 then
    b = now + block
    redis.call('HSET', KEYS[1], 'ws', ws, 'c', c, 'b', b)
    local ttl = wend - now
    if block > ttl then ttl = block end
    redis.call('PEXPIRE', KEYS[1], ttl)
    return {0, 0, b, 1}
  end
  redis.call('HSET', KEYS[1], 'ws', ws, 'c', c, 'b', 0)
  redis.call('PEXPIRE', KEYS[1], wend - now)
  return {0, 0, wend, 0}
end
redis.call('HSET', KEYS[1], 'ws', ws, 'c', c, 'b', 0)
redis.call('PEXPIRE', KEYS[1], wend - now)
return {1, points - c, wend, 0}
`)

// RedisStore is a TokenStore shared by every instance pointing at the same
// Redis database. Expiry uses Redis TTLs; no sweep is needed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL, connects and pings within timeout.
func DialRedis(ctx context.Context, url, prefix string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Consume runs the bucket script against key.
func (s *RedisStore) Consume(ctx context.Context, key string, p Policy) (BucketState, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(key)},
		p.Points, p.Window.Milliseconds(), p.Block.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return BucketState{}, fmt.Errorf("consume %s: %w", key, err)
	}
	if len(res) != 4 {
		return BucketState{}, fmt.Errorf("consume %s: unexpected script reply of length %d", key, len(res))
	}
	return BucketState{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
		Blocked:   res[3] == 1,
	}, nil
}

// Get returns the value stored at key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Set stores value at key with ttl; zero ttl keeps the key forever.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
