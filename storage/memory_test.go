package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.Put(ctx, "credentials", "vm-7", map[string]any{
		"username": "admin",
		"port":     3389,
	}))

	data, err := s.Get(ctx, "credentials", "vm-7")
	require.NoError(t, err)
	require.Equal(t, "admin", data["username"])

	// Missing keys come back empty, not as errors
	data, err = s.Get(ctx, "credentials", "vm-unknown")
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestMemoryStorage_ListDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Put(ctx, "sessions", "a", map[string]any{"state": "active"}))
	require.NoError(t, s.Put(ctx, "sessions", "b", map[string]any{"state": "active"}))

	keys, err := s.List(ctx, "sessions")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.NoError(t, s.Delete(ctx, "sessions", "a"))

	keys, err = s.List(ctx, "sessions")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)

	// Deleting from an unknown prefix is a no-op
	require.NoError(t, s.Delete(ctx, "unknown", "a"))
}
