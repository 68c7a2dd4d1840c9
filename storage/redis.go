package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisStorage persists records as JSON hashes under "{prefix}" keys.
// Credential and session records survive process restarts; terminal
// sessions are kept for audit replay.
type redisStorage struct {
	client *redis.Client
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
}

func NewRedisStorage(cfg RedisConfig) Storage {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &redisStorage{client: client}
}

func (r *redisStorage) Init(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (r *redisStorage) Stop() error {
	return r.client.Close()
}

func (r *redisStorage) Put(ctx context.Context, prefix string, key string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	if err := r.client.HSet(ctx, prefix, key, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (r *redisStorage) Get(ctx context.Context, prefix string, key string) (map[string]any, error) {
	payload, err := r.client.HGet(ctx, prefix, key).Bytes()
	if err == redis.Nil {
		return make(map[string]any), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	data := make(map[string]any)
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return data, nil
}

func (r *redisStorage) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return keys, nil
}

func (r *redisStorage) Delete(ctx context.Context, prefix string, key string) error {
	if err := r.client.HDel(ctx, prefix, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}
