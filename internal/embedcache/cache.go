// Package embedcache implements the content-addressed embedding cache from
// spec §4.2: a stable key of sha256(model_id || "\0" || text) mapping to a
// dense vector, LRU-evicted down to max_entries, with a per-key in-flight
// map so concurrent lookups for the same key collapse to one upstream
// embedding call.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Entry is a single cached embedding.
type Entry struct {
	Key          string
	ModelID      string
	TextHash     string
	Vector       []float32
	Dimension    int
	CreatedAt    time.Time
	AccessedAt   time.Time
	AccessCount  uint64
}

// Backend persists cache entries. Both the local (bbolt B-tree) and remote
// (Redis-like) backends implement it.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error) // nil, nil on miss
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with their AccessedAt, used by the evictor.
	Keys(ctx context.Context) ([]KeyAccess, error)
}

// KeyAccess pairs a cache key with its last-access time, for LRU eviction
// bookkeeping independent of the backend's own storage order.
type KeyAccess struct {
	Key        string
	AccessedAt time.Time
}

// EmbedFunc computes a fresh embedding on a cache miss.
type EmbedFunc func(ctx context.Context, modelID, text string) ([]float32, error)

// Cache is the content-addressed embedding cache. All text->vector calls in
// Prism go through it; the embedding provider is never called directly.
type Cache struct {
	backend    Backend
	maxEntries int
	logger     *zap.Logger
	group      singleflight.Group
}

// New creates a Cache backed by backend, evicting down to maxEntries.
func New(backend Backend, maxEntries int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{backend: backend, maxEntries: maxEntries, logger: logger}
}

// Key computes the stable cache key for (modelID, text).
func Key(modelID, text string) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns a cached vector for (modelID, text), or nil if absent.
func (c *Cache) Lookup(ctx context.Context, modelID, text string) ([]float32, error) {
	key := Key(modelID, text)
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	entry.AccessedAt = time.Now().UTC()
	entry.AccessCount++
	if err := c.backend.Put(ctx, *entry); err != nil {
		c.logger.Warn("embedcache: failed to update access stats", zap.Error(err))
	}
	return entry.Vector, nil
}

// GetOrEmbed returns the cached vector for (modelID, text), computing and
// storing it via embed on a miss. Concurrent callers for the same key
// attach to a single in-flight embed call instead of re-issuing it.
func (c *Cache) GetOrEmbed(ctx context.Context, modelID, text string, embed EmbedFunc) ([]float32, error) {
	if vec, err := c.Lookup(ctx, modelID, text); err != nil {
		return nil, err
	} else if vec != nil {
		return vec, nil
	}

	key := Key(modelID, text)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another goroutine may have populated the cache while
		// we queued behind the singleflight lock.
		if vec, lookupErr := c.Lookup(ctx, modelID, text); lookupErr == nil && vec != nil {
			return vec, nil
		}

		vec, embedErr := embed(ctx, modelID, text)
		if embedErr != nil {
			return nil, embedErr
		}

		now := time.Now().UTC()
		entry := Entry{
			Key:         key,
			ModelID:     modelID,
			TextHash:    key,
			Vector:      vec,
			Dimension:   len(vec),
			CreatedAt:   now,
			AccessedAt:  now,
			AccessCount: 1,
		}
		if putErr := c.backend.Put(ctx, entry); putErr != nil {
			return nil, putErr
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Evict enforces maxEntries by deleting the least-recently-accessed keys.
func (c *Cache) Evict(ctx context.Context) (evicted int, err error) {
	if c.maxEntries <= 0 {
		return 0, nil
	}
	keys, err := c.backend.Keys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) <= c.maxEntries {
		return 0, nil
	}

	sortByAccessedAscending(keys)
	toRemove := keys[:len(keys)-c.maxEntries]
	for _, k := range toRemove {
		if err := c.backend.Delete(ctx, k.Key); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

func sortByAccessedAscending(keys []KeyAccess) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].AccessedAt.Before(keys[j-1].AccessedAt); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
