package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patchkit/projectd/internal/config"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	logger := zaptest.NewLogger(t)
	file, err := NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemoryBackend(logger),
		"file":   file,
	}
}

func TestBackend_PutGet(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := b.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Put(ctx, "doc-1", []byte("payload")))
			got, err := b.Get(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)

			// Replacement wins.
			require.NoError(t, b.Put(ctx, "doc-1", []byte("updated")))
			got, err = b.Get(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("updated"), got)
		})
	}
}

func TestBackend_HasAndList(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := b.Has(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.Put(ctx, "a", []byte("1")))
			require.NoError(t, b.Put(ctx, "ab", []byte("2")))
			require.NoError(t, b.Put(ctx, "c", []byte("3")))

			ok, err = b.Has(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)

			keys, err := b.List(ctx, "a")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "ab"}, keys)
		})
	}
}

func TestFileBackend_EscapesKeys(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b, err := NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	ctx := context.Background()
	key := "path/with:odd chars"
	require.NoError(t, b.Put(ctx, key, []byte("v")))

	got, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	keys, err := b.List(ctx, "path/")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestNew_SelectsBackend(t *testing.T) {
	logger := zaptest.NewLogger(t)

	b, err := New(config.StorageConfig{Backend: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = New(config.StorageConfig{Backend: "file", BasePath: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	_, err = New(config.StorageConfig{Backend: "bogus"}, logger)
	assert.Error(t, err)
}
