package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the key and opens a fresh window on first use,
// in a single round trip so concurrent clients never race the expiry.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisCounterConfig holds the connection settings for the shared
// counter store
type RedisCounterConfig struct {
	Address  string `hcl:"address"`
	Username string `hcl:"username,optional"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`
}

type redisCounter struct {
	client *redis.Client
}

// NewRedisCounter connects to Redis and verifies the connection
func NewRedisCounter(ctx context.Context, conf *RedisCounterConfig) (CounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Address,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", conf.Address, err)
	}
	return &redisCounter{client: client}, nil
}

func (r *redisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("counter increment failed: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("counter script returned %d values, want 2", len(res))
	}
	count, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script returned non-integer count")
	}
	ttlMillis, ok := res[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script returned non-integer ttl")
	}
	remaining := time.Duration(ttlMillis) * time.Millisecond
	if remaining < 0 {
		remaining = window
	}
	return count, remaining, nil
}

func (r *redisCounter) Close() error {
	return r.client.Close()
}
