package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// flakyStorage fails the first failures calls to every operation with an
// unreachable error, then delegates to an in-memory store.
type flakyStorage struct {
	Storage
	failures int32
	calls    atomic.Int32
}

func (f *flakyStorage) fail() error {
	if f.calls.Add(1) <= f.failures {
		return fmt.Errorf("%w: connection refused", ErrUnreachable)
	}
	return nil
}

func (f *flakyStorage) Put(ctx context.Context, prefix string, key string, data map[string]any) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Storage.Put(ctx, prefix, key, data)
}

func (f *flakyStorage) Get(ctx context.Context, prefix string, key string) (map[string]any, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Storage.Get(ctx, prefix, key)
}

func TestRetryStorage_RecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStorage{Storage: NewMemoryStorage(), failures: 2}
	s := NewRetryStorage(flaky, 3)

	require.NoError(t, s.Put(ctx, "credentials", "vm-1", map[string]any{"username": "admin"}))
	require.Equal(t, int32(3), flaky.calls.Load())

	data, err := s.Get(ctx, "credentials", "vm-1")
	require.NoError(t, err)
	require.Equal(t, "admin", data["username"])
}

func TestRetryStorage_SurfacesUnavailableAfterRetries(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStorage{Storage: NewMemoryStorage(), failures: 100}
	s := NewRetryStorage(flaky, 3)

	err := s.Put(ctx, "sessions", "abc", map[string]any{"state": "active"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int32(3), flaky.calls.Load())
}

func TestRetryStorage_DoesNotRetryOtherErrors(t *testing.T) {
	ctx := context.Background()
	broken := &erroringStorage{err: errors.New("corrupt record")}
	s := NewRetryStorage(broken, 3)

	_, err := s.Get(ctx, "credentials", "vm-1")
	require.EqualError(t, err, "corrupt record")
	require.Equal(t, int32(1), broken.calls.Load())
}

func TestRetryStorage_StopsRetryingOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flaky := &flakyStorage{Storage: NewMemoryStorage(), failures: 100}
	s := NewRetryStorage(flaky, 3)

	err := s.Put(ctx, "sessions", "abc", map[string]any{"state": "active"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int32(1), flaky.calls.Load())
}

type erroringStorage struct {
	Storage
	err   error
	calls atomic.Int32
}

func (e *erroringStorage) Get(ctx context.Context, prefix string, key string) (map[string]any, error) {
	e.calls.Add(1)
	return nil, e.err
}
