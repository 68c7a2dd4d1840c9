package storage

import (
	"context"
	"errors"
)

// ErrUnreachable is returned when the backing store cannot be reached.
// Callers decide whether to degrade or deny based on what they protect.
var ErrUnreachable = errors.New("storage backend unreachable")

type Storage interface {
	Put(ctx context.Context, prefix string, key string, data map[string]any) error
	Get(ctx context.Context, prefix string, key string) (map[string]any, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, prefix string, key string) error
	Init(ctx context.Context) error
	Stop() error
}
