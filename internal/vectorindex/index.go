package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/storage"
)

// Index is the collection-level vector backend: one HNSW Graph per active
// segment. Queries scatter across every segment's graph and merge top-k
// results (spec §4.5 "a collection-level query scatters across segments").
type Index struct {
	collection string
	spec       model.VectorSpec
	store      storage.Store
	logger     *zap.Logger

	mu       sync.RWMutex
	segments map[uint32]*Graph
	seed     int64
}

// Open constructs a vector backend for a collection. Existing segment
// snapshots are not loaded eagerly; call LoadSegment per manifest discovered
// by the collection engine during startup.
func Open(collection string, spec model.VectorSpec, store storage.Store, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		collection: collection,
		spec:       spec,
		store:      store,
		logger:     logger,
		segments:   make(map[uint32]*Graph),
		seed:       1,
	}
}

// Segment returns (creating if necessary) the live graph for segID.
func (idx *Index) Segment(segID uint32) *Graph {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	g, ok := idx.segments[segID]
	if !ok {
		idx.seed++
		g = NewGraph(idx.spec.Dimension, idx.spec.Metric, idx.spec.HNSWM, idx.spec.HNSWEfConstruction, idx.spec.HNSWEfSearch, idx.seed)
		idx.segments[segID] = g
	}
	return g
}

// Insert adds vec to segID's graph and returns its internal id.
func (idx *Index) Insert(segID uint32, localOrd uint32, vec []float32) (model.InternalID, error) {
	g := idx.Segment(segID)
	nodeID, err := g.Insert(vec)
	if err != nil {
		return model.InternalID{}, err
	}
	// The graph's own node id and the collection's localOrd are kept in
	// lockstep: callers insert into the text and vector backends with the
	// same localOrd, so nodeID always equals int32(localOrd) for a
	// freshly-built segment.
	if uint32(nodeID) != localOrd {
		return model.InternalID{}, fmt.Errorf("vectorindex: node id %d diverged from local ord %d for segment %d", nodeID, localOrd, segID)
	}
	return model.InternalID{SegmentID: segID, LocalOrd: localOrd}, nil
}

// ScoredID is one scatter-gather result: an internal id and its distance
// (smaller is closer; see distance()).
type ScoredID struct {
	ID   model.InternalID
	Dist float32
}

// Search scatters a k-NN query across every loaded segment and merges the
// results, filtering any id for which tombstoned reports true.
func (idx *Index) Search(ctx context.Context, query []float32, k int, ef int, tombstoned func(model.InternalID) bool) ([]ScoredID, error) {
	idx.mu.RLock()
	segments := make(map[uint32]*Graph, len(idx.segments))
	for id, g := range idx.segments {
		segments[id] = g
	}
	idx.mu.RUnlock()

	var all []ScoredID
	for segID, g := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filter := func(localID int32) bool {
			if tombstoned == nil {
				return false
			}
			return tombstoned(model.InternalID{SegmentID: segID, LocalOrd: uint32(localID)})
		}
		hits, err := g.SearchKNN(query, k, ef, filter)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			all = append(all, ScoredID{ID: model.InternalID{SegmentID: segID, LocalOrd: uint32(h.ID)}, Dist: h.Dist})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Dist < all[j].Dist })
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// SnapshotSegment serializes segID's graph and writes it through the
// storage stack at its canonical segment path (spec §4.5 snapshotting).
func (idx *Index) SnapshotSegment(ctx context.Context, segID uint32) error {
	idx.mu.RLock()
	g, ok := idx.segments[segID]
	idx.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vectorindex: unknown segment %d", segID)
	}

	data, err := g.MarshalBinary()
	if err != nil {
		return err
	}
	paths := model.SegmentPaths(idx.collection, segID)
	if err := idx.store.Put(ctx, paths.Vector, data); err != nil {
		return fmt.Errorf("vectorindex: snapshot segment %d: %w", segID, err)
	}
	return nil
}

// LoadSegment reads segID's graph snapshot from the storage stack. On open,
// the entire graph loads into memory (spec §4.5).
func (idx *Index) LoadSegment(ctx context.Context, segID uint32) error {
	paths := model.SegmentPaths(idx.collection, segID)
	data, err := idx.store.Get(ctx, paths.Vector)
	if err != nil {
		return fmt.Errorf("vectorindex: load segment %d: %w", segID, err)
	}
	g, err := UnmarshalBinary(data)
	if err != nil {
		return err
	}
	g.EfSearch = idx.spec.HNSWEfSearch

	idx.mu.Lock()
	idx.segments[segID] = g
	idx.mu.Unlock()
	return nil
}

// DropSegment removes a segment's in-memory graph, e.g. after a merge
// publishes a replacement segment and all readers holding the previous
// generation have released it.
func (idx *Index) DropSegment(segID uint32) {
	idx.mu.Lock()
	delete(idx.segments, segID)
	idx.mu.Unlock()
}
