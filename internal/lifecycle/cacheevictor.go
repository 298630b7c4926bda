package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/embedcache"
	"github.com/prismdb/prism/internal/storage"
)

// CacheEvictorConfig parameterizes the periodic sweep (spec §4.10 "Cache
// evictor: wakes every interval_secs and enforces max_entries /
// l1_max_size_gb").
type CacheEvictorConfig struct {
	Interval time.Duration

	// L1MaxSizeBytes, if non-zero, is applied to every registered
	// storage.CachedStore's L1CapBytes on each sweep, letting an operator
	// shrink or grow the L1 budget without reopening the store; 0 leaves
	// each store's existing cap untouched.
	L1MaxSizeBytes int64
}

// CacheEvictor periodically enforces embedcache.Cache's max_entries bound
// and keeps registered storage.CachedStore instances' L1 budget in sync with
// configuration. CachedStore already self-enforces its L1 cap on every
// write (evictLocked in internal/storage/cached.go); this scheduler exists
// for the bound embedcache.Cache does NOT self-enforce on its own (it only
// evicts when asked) and for propagating config-driven L1 budget changes.
type CacheEvictor struct {
	mu     sync.RWMutex
	caches map[string]*embedcache.Cache
	stores map[string]*storage.CachedStore

	cfg    CacheEvictorConfig
	logger *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCacheEvictor starts the periodic sweep immediately.
func NewCacheEvictor(cfg CacheEvictorConfig, logger *zap.Logger) *CacheEvictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	e := &CacheEvictor{
		caches: make(map[string]*embedcache.Cache),
		stores: make(map[string]*storage.CachedStore),
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go e.loop()
	return e
}

// RegisterCache adds an embedcache.Cache (keyed by the embedding model id
// it backs) to the sweep.
func (e *CacheEvictor) RegisterCache(modelID string, c *embedcache.Cache) {
	e.mu.Lock()
	e.caches[modelID] = c
	e.mu.Unlock()
}

// RegisterStore adds a storage.CachedStore (keyed by collection name) whose
// L1CapBytes should track CacheEvictorConfig.L1MaxSizeBytes.
func (e *CacheEvictor) RegisterStore(name string, s *storage.CachedStore) {
	e.mu.Lock()
	e.stores[name] = s
	e.mu.Unlock()
}

// Unregister drops both a cache and a store registered under name, if
// present; safe to call with a name that was only ever used for one.
func (e *CacheEvictor) Unregister(name string) {
	e.mu.Lock()
	delete(e.caches, name)
	delete(e.stores, name)
	e.mu.Unlock()
}

func (e *CacheEvictor) loop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunOnce(context.Background())
		}
	}
}

// RunOnce enforces max_entries on every registered embedcache.Cache and
// applies the configured L1 size budget to every registered CachedStore.
func (e *CacheEvictor) RunOnce(ctx context.Context) {
	e.mu.RLock()
	caches := make(map[string]*embedcache.Cache, len(e.caches))
	for k, v := range e.caches {
		caches[k] = v
	}
	stores := make(map[string]*storage.CachedStore, len(e.stores))
	for k, v := range e.stores {
		stores[k] = v
	}
	l1Max := e.cfg.L1MaxSizeBytes
	e.mu.RUnlock()

	for modelID, c := range caches {
		evicted, err := c.Evict(ctx)
		if err != nil {
			e.logger.Warn("lifecycle: embedding cache eviction failed", zap.String("model_id", modelID), zap.Error(err))
			continue
		}
		if evicted > 0 {
			e.logger.Info("lifecycle: evicted embedding cache entries", zap.String("model_id", modelID), zap.Int("evicted", evicted))
		}
	}

	if l1Max > 0 {
		for _, s := range stores {
			s.L1CapBytes = l1Max
		}
	}
}

// Close stops the periodic sweep.
func (e *CacheEvictor) Close() {
	close(e.stopCh)
	<-e.doneCh
}
