package storage

import (
	"context"
	"errors"
	"fmt"
)

const retryAttempts = 3

// ErrUnavailable means the backing store stayed unreachable through all
// immediate retries. Transport layers map it to a service-unavailable
// response rather than a generic failure.
var ErrUnavailable = errors.New("storage unavailable")

// retryStorage decorates a Storage with a bounded number of immediate
// retries for unreachable-store failures. Any other error returns as-is.
type retryStorage struct {
	inner    Storage
	attempts int
}

// NewRetryStorage wraps inner so that transient unreachability is retried
// up to attempts times before surfacing ErrUnavailable. Non-positive
// attempts fall back to the default of 3.
func NewRetryStorage(inner Storage, attempts int) Storage {
	if attempts < 1 {
		attempts = retryAttempts
	}
	return &retryStorage{inner: inner, attempts: attempts}
}

func (r *retryStorage) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnreachable) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (r *retryStorage) Put(ctx context.Context, prefix string, key string, data map[string]any) error {
	return r.retry(ctx, func() error {
		return r.inner.Put(ctx, prefix, key, data)
	})
}

func (r *retryStorage) Get(ctx context.Context, prefix string, key string) (map[string]any, error) {
	var data map[string]any
	err := r.retry(ctx, func() error {
		var opErr error
		data, opErr = r.inner.Get(ctx, prefix, key)
		return opErr
	})
	return data, err
}

func (r *retryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.retry(ctx, func() error {
		var opErr error
		keys, opErr = r.inner.List(ctx, prefix)
		return opErr
	})
	return keys, err
}

func (r *retryStorage) Delete(ctx context.Context, prefix string, key string) error {
	return r.retry(ctx, func() error {
		return r.inner.Delete(ctx, prefix, key)
	})
}

func (r *retryStorage) Init(ctx context.Context) error {
	return r.retry(ctx, func() error {
		return r.inner.Init(ctx)
	})
}

func (r *retryStorage) Stop() error {
	return r.inner.Stop()
}
