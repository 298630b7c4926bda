package embedcache_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/embedcache"
)

func newTestCache(t *testing.T) *embedcache.Cache {
	t.Helper()
	backend, err := embedcache.NewLocalBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return embedcache.New(backend, 10, nil)
}

func TestCacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	vec, err := c.Lookup(ctx, "model-a", "hello world")
	require.NoError(t, err)
	require.Nil(t, vec)

	var calls int32
	embed := func(ctx context.Context, modelID, text string) ([]float32, error) {
		atomic.AddInt32(&calls, 1)
		return []float32{1, 2, 3}, nil
	}

	got, err := c.GetOrEmbed(ctx, "model-a", "hello world", embed)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, got)

	got2, err := c.GetOrEmbed(ctx, "model-a", "hello world", embed)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, got2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCacheConcurrentGetOrEmbedDedupes(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var calls int32
	embed := func(ctx context.Context, modelID, text string) ([]float32, error) {
		atomic.AddInt32(&calls, 1)
		return []float32{9, 9}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrEmbed(ctx, "model-b", "same text", embed)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestCacheEvictionByMaxEntries(t *testing.T) {
	ctx := context.Background()
	backend, err := embedcache.NewLocalBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer backend.Close()

	c := embedcache.New(backend, 2, nil)
	embed := func(ctx context.Context, modelID, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}

	_, err = c.GetOrEmbed(ctx, "m", "one", embed)
	require.NoError(t, err)
	_, err = c.GetOrEmbed(ctx, "m", "two", embed)
	require.NoError(t, err)
	_, err = c.GetOrEmbed(ctx, "m", "three", embed)
	require.NoError(t, err)

	evicted, err := c.Evict(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	keys, err := backend.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}
