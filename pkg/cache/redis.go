package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// redisPutScript stores one verdict and indexes it under its tags atomically.
// KEYS[1]   = entry key
// KEYS[2..] = tag set keys
// ARGV[1]   = encoded verdict
// ARGV[2]   = ttl in milliseconds
var redisPutScript = redis.NewScript(`
local ttl = tonumber(ARGV[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
for i = 2, #KEYS do
    redis.call("SADD", KEYS[i], KEYS[1])
    if redis.call("PTTL", KEYS[i]) < ttl then
        redis.call("PEXPIRE", KEYS[i], ttl)
    end
end
return 1
`)

// redisInvalidateScript deletes every entry in a tag set, then the set.
// KEYS[1] = tag set key
var redisInvalidateScript = redis.NewScript(`
local members = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for _, key in ipairs(members) do
    removed = removed + redis.call("DEL", key)
end
redis.call("DEL", KEYS[1])
return removed
`)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts)), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "judgment:"}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) entryKey(fp string) string { return s.prefix + "fp:" + fp }
func (s *RedisStore) tagKey(tag string) string  { return s.prefix + "tag:" + tag }

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (contracts.Verdict, bool, error) {
	raw, err := s.client.Get(ctx, s.entryKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return contracts.Verdict{}, false, nil
	}
	if err != nil {
		return contracts.Verdict{}, false, fmt.Errorf("redis get: %w", err)
	}
	var v contracts.Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return contracts.Verdict{}, false, fmt.Errorf("decode cached verdict: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, fingerprint string, verdict contracts.Verdict, ttl time.Duration, tags ...string) error {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	keys := make([]string, 0, len(tags)+1)
	keys = append(keys, s.entryKey(fingerprint))
	for _, tag := range tags {
		keys = append(keys, s.tagKey(tag))
	}
	if err := redisPutScript.Run(ctx, s.client, keys, raw, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) InvalidateTag(ctx context.Context, tag string) (int, error) {
	n, err := redisInvalidateScript.Run(ctx, s.client, []string{s.tagKey(tag)}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis invalidate: %w", err)
	}
	return n, nil
}
