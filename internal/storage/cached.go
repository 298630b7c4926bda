package storage

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CachedStore reads through L1 first, falling back to L2 on miss and
// populating L1. Writes go to both when WriteThrough; otherwise they land
// in L1 and are enqueued for asynchronous L2 upload. Eviction is
// approximate LRU by access time and never evicts an entry with a
// pending upload.
type CachedStore struct {
	L2            Store
	L1            Store
	L1CapBytes    int64
	WriteThrough  bool
	logger        *zap.Logger

	mu       sync.Mutex
	lru      *list.List // front = most recently used
	elements map[string]*list.Element
	sizes    map[string]int64
	pending  map[string]bool
	usedBytes int64

	uploadCh chan string
	closeCh  chan struct{}
}

type cacheEntry struct {
	path string
	size int64
}

// NewCachedStore builds a read/write-through (or write-back) cache over
// l2, backed by l1 up to l1CapBytes.
func NewCachedStore(l2, l1 Store, l1CapBytes int64, writeThrough bool, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CachedStore{
		L2:           l2,
		L1:           l1,
		L1CapBytes:   l1CapBytes,
		WriteThrough: writeThrough,
		logger:       logger,
		lru:          list.New(),
		elements:     make(map[string]*list.Element),
		sizes:        make(map[string]int64),
		pending:      make(map[string]bool),
		uploadCh:     make(chan string, 1024),
		closeCh:      make(chan struct{}),
	}
	go c.uploadWorker()
	return c
}

// Close stops the background upload worker.
func (c *CachedStore) Close() {
	close(c.closeCh)
}

func (c *CachedStore) touch(path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[path]; ok {
		c.lru.MoveToFront(el)
		c.usedBytes += size - c.sizes[path]
		c.sizes[path] = size
		return
	}
	el := c.lru.PushFront(cacheEntry{path: path, size: size})
	c.elements[path] = el
	c.sizes[path] = size
	c.usedBytes += size
	c.evictLocked()
}

func (c *CachedStore) evictLocked() {
	for c.usedBytes > c.L1CapBytes && c.lru.Len() > 0 {
		back := c.lru.Back()
		entry := back.Value.(cacheEntry)
		if c.pending[entry.path] {
			// Never evict entries with a pending upload; try the next
			// oldest instead by walking forward, accepting O(n) worst case
			// since pending entries are rare and short-lived.
			moved := false
			for el := back.Prev(); el != nil; el = el.Prev() {
				e := el.Value.(cacheEntry)
				if !c.pending[e.path] {
					c.lru.Remove(el)
					delete(c.elements, e.path)
					c.usedBytes -= c.sizes[e.path]
					delete(c.sizes, e.path)
					moved = true
					break
				}
			}
			if !moved {
				return
			}
			continue
		}
		c.lru.Remove(back)
		delete(c.elements, entry.path)
		c.usedBytes -= c.sizes[entry.path]
		delete(c.sizes, entry.path)
	}
}

func (c *CachedStore) markPending(path string, pending bool) {
	c.mu.Lock()
	c.pending[path] = pending
	c.mu.Unlock()
}

func (c *CachedStore) Put(ctx context.Context, path string, data []byte) error {
	if err := c.L1.Put(ctx, path, data); err != nil {
		return err
	}
	c.touch(path, int64(len(data)))

	if c.WriteThrough {
		return c.L2.Put(ctx, path, data)
	}

	c.markPending(path, true)
	select {
	case c.uploadCh <- path:
	default:
		// Queue full: fall back to a synchronous upload so durability is
		// not silently lost under backpressure.
		if err := c.L2.Put(ctx, path, data); err != nil {
			c.markPending(path, false)
			return err
		}
		c.markPending(path, false)
	}
	return nil
}

func (c *CachedStore) uploadWorker() {
	for {
		select {
		case <-c.closeCh:
			return
		case path := <-c.uploadCh:
			data, err := c.L1.Get(context.Background(), path)
			if err == nil {
				_ = c.L2.Put(context.Background(), path, data)
			}
			c.markPending(path, false)
		}
	}
}

func (c *CachedStore) Get(ctx context.Context, path string) ([]byte, error) {
	if data, err := c.L1.Get(ctx, path); err == nil {
		c.touch(path, int64(len(data)))
		return data, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	data, err := c.L2.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	_ = c.L1.Put(ctx, path, data)
	c.touch(path, int64(len(data)))
	return data, nil
}

func (c *CachedStore) Delete(ctx context.Context, path string) error {
	_ = c.L1.Delete(ctx, path)
	c.mu.Lock()
	if el, ok := c.elements[path]; ok {
		c.lru.Remove(el)
		delete(c.elements, path)
		c.usedBytes -= c.sizes[path]
		delete(c.sizes, path)
	}
	c.mu.Unlock()
	return c.L2.Delete(ctx, path)
}

func (c *CachedStore) Exists(ctx context.Context, path string) (bool, error) {
	if ok, err := c.L1.Exists(ctx, path); err == nil && ok {
		return true, nil
	}
	return c.L2.Exists(ctx, path)
}

func (c *CachedStore) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	return c.L2.List(ctx, prefix)
}

// flushDeadline is not referenced: Close returns without waiting for queued
// or in-flight uploads.
const flushDeadline = 2 * time.Second
