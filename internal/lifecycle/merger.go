package lifecycle

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/storage"
)

// SegmentMerger implements collection.Merger: a reclaim pass over a
// collection's storage-stack segment directories (spec §4.10 "Selects
// collections with segment count > max_segments and merges smallest-first
// by size tier, respecting max_segment_size"). Each Collection.Commit call
// already folds all live documents into the single segment the current
// COMMIT pointer names (spec §4.7's text backend owns real merging inside
// its own segment engine); what accumulates on the storage stack across
// commits is superseded, orphaned segment directories from earlier
// generations, and those are what ForceMerge reclaims — "merge" here is
// the storage-stack's own compaction of no-longer-referenced segment
// blobs, not a second copy of bleve's internal segment merge.
type SegmentMerger struct {
	mu          sync.RWMutex
	collections map[string]*collection.Collection
	logger      *zap.Logger

	cancelled int32 // atomic: 1 once Cancel is called, checked between segment deletes
}

// NewSegmentMerger builds an empty merger; collections are added with
// Register as they're opened.
func NewSegmentMerger(logger *zap.Logger) *SegmentMerger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SegmentMerger{collections: make(map[string]*collection.Collection), logger: logger}
}

// Register makes name's collection eligible for ForceMerge and the
// MergeScheduler's periodic sweep, and wires this merger into the
// collection's Optimize call.
func (m *SegmentMerger) Register(coll *collection.Collection) {
	m.mu.Lock()
	m.collections[coll.Name()] = coll
	m.mu.Unlock()
	coll.SetMerger(m)
}

// Unregister drops name, e.g. when its collection is closed.
func (m *SegmentMerger) Unregister(name string) {
	m.mu.Lock()
	delete(m.collections, name)
	m.mu.Unlock()
}

// Cancel asks any in-flight ForceMerge call to stop at its next checkpoint
// (spec §4.10 "Merges are cooperative — they check a cancellation flag
// between blocks"). Cancel is sticky until Reset.
func (m *SegmentMerger) Cancel() { atomic.StoreInt32(&m.cancelled, 1) }

// Reset clears a prior Cancel, allowing future ForceMerge calls to run.
func (m *SegmentMerger) Reset() { atomic.StoreInt32(&m.cancelled, 0) }

func (m *SegmentMerger) cancelRequested() bool { return atomic.LoadInt32(&m.cancelled) == 1 }

// segmentGroup is every storage-stack entry found under one segment's
// directory, summed to a total byte size for that segment.
type segmentGroup struct {
	id    uint32
	bytes int64
}

// ForceMerge satisfies collection.Merger. It lists every segment directory
// on the storage stack, determines which segment ids the live COMMIT
// pointer still references, and deletes orphaned (superseded) segment
// directories smallest-first until at most maxSegments segment directories
// remain and their combined size is within maxSegmentSize (0 = unbounded).
func (m *SegmentMerger) ForceMerge(ctx context.Context, collectionName string, maxSegments int, maxSegmentSize int64) error {
	m.mu.RLock()
	coll, ok := m.collections[collectionName]
	m.mu.RUnlock()
	if !ok {
		return nil // nothing registered to merge; not an error, matches Optimize's best-effort contract
	}

	if _, err := coll.Commit(ctx); err != nil {
		return err
	}

	store := coll.Store()
	commitPath := model.CollectionDir(collectionName) + "/COMMIT"
	raw, err := store.Get(ctx, commitPath)
	if err != nil {
		return err
	}
	var commit model.Commit
	if err := json.Unmarshal(raw, &commit); err != nil {
		return err
	}
	live := make(map[uint32]bool, len(commit.SegmentIDs))
	for _, id := range commit.SegmentIDs {
		live[id] = true
	}

	prefix := model.CollectionDir(collectionName) + "/segments/"
	entries, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	byID := make(map[uint32]*segmentGroup)
	for _, e := range entries {
		id, ok := segmentIDFromPath(prefix, e.Path)
		if !ok {
			continue
		}
		g, exists := byID[id]
		if !exists {
			g = &segmentGroup{id: id}
			byID[id] = g
		}
		g.bytes += e.Size
	}

	var orphans []*segmentGroup
	var totalBytes int64
	for id, g := range byID {
		totalBytes += g.bytes
		if !live[id] {
			orphans = append(orphans, g)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].bytes < orphans[j].bytes })

	segmentCount := len(byID)
	for _, g := range orphans {
		if m.cancelRequested() {
			m.logger.Info("lifecycle: force merge cancelled", zap.String("collection", collectionName))
			return nil
		}
		if segmentCount <= maxSegments && (maxSegmentSize <= 0 || totalBytes <= maxSegmentSize) {
			break
		}
		if err := deleteSegmentDir(ctx, store, model.SegmentDir(collectionName, g.id)); err != nil {
			m.logger.Warn("lifecycle: failed to reclaim orphaned segment", zap.String("collection", collectionName), zap.Uint32("segment_id", g.id), zap.Error(err))
			continue
		}
		segmentCount--
		totalBytes -= g.bytes
	}
	return nil
}

func segmentIDFromPath(prefix, path string) (uint32, bool) {
	rest := strings.TrimPrefix(path, prefix)
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return 0, false
	}
	hex := rest[:slash]
	if len(hex) != 8 {
		return 0, false
	}
	var id uint32
	for i := 0; i < 8; i++ {
		c := hex[i]
		var v uint32
		switch {
		case c >= '0' && c <= '9':
			v = uint32(c - '0')
		case c >= 'a' && c <= 'f':
			v = uint32(c-'a') + 10
		default:
			return 0, false
		}
		id = id<<4 | v
	}
	return id, true
}

// deleteSegmentDir removes every blob under a segment directory (manifest,
// postings, terms, stored docs, tombstones, vector graph, columns).
func deleteSegmentDir(ctx context.Context, store storage.Store, dir string) error {
	entries, err := store.List(ctx, dir+"/")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := store.Delete(ctx, e.Path); err != nil {
			return err
		}
	}
	return nil
}

// MergeSchedulerConfig parameterizes the periodic sweep (spec §4.10
// "Segment merger: runs at interval_secs").
type MergeSchedulerConfig struct {
	Interval       time.Duration
	MaxSegments    int
	MaxSegmentSize int64
}

// MergeScheduler runs SegmentMerger.ForceMerge over every registered
// collection on Interval.
type MergeScheduler struct {
	merger *SegmentMerger
	cfg    MergeSchedulerConfig
	logger *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMergeScheduler starts the periodic sweep immediately.
func NewMergeScheduler(merger *SegmentMerger, cfg MergeSchedulerConfig, logger *zap.Logger) *MergeScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	s := &MergeScheduler{merger: merger, cfg: cfg, logger: logger, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go s.loop()
	return s
}

func (s *MergeScheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce sweeps every registered collection once, outside the regular
// schedule (used directly by tests and by operator-triggered runs).
func (s *MergeScheduler) RunOnce(ctx context.Context) {
	s.merger.mu.RLock()
	names := make([]string, 0, len(s.merger.collections))
	for name := range s.merger.collections {
		names = append(names, name)
	}
	s.merger.mu.RUnlock()

	for _, name := range names {
		if err := s.merger.ForceMerge(ctx, name, s.cfg.MaxSegments, s.cfg.MaxSegmentSize); err != nil {
			s.logger.Warn("lifecycle: scheduled merge failed", zap.String("collection", name), zap.Error(err))
		}
	}
}

// Close stops the periodic sweep.
func (s *MergeScheduler) Close() {
	close(s.stopCh)
	<-s.doneCh
}
