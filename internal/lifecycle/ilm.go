package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/model"
)

// ilmState tracks one collection's current phase and when it entered it,
// plus the creation time age rollovers are measured against.
type ilmState struct {
	phase      model.ILMPhase
	enteredAt  time.Time
	createdAt  time.Time
}

// ILMEngine drives each registered collection through its schema's
// hot -> warm -> cold -> frozen -> delete pipeline (spec §4.10 ILM).
// Rollover triggers compare age (since creation), size (approximated by
// summed live segment bytes) and doc count against each phase's
// ILMRollover; per-phase actions run once, on entry to the phase.
type ILMEngine struct {
	mu          sync.Mutex
	collections map[string]*collection.Collection
	state       map[string]*ilmState
	merger      *SegmentMerger // ActionForceMerge delegates here; nil disables that action
	logger      *zap.Logger

	now func() time.Time // overridable for tests
}

// NewILMEngine builds an engine; merger may be nil if force_merge_segments
// actions should be skipped (e.g. no SegmentMerger wired for this process).
func NewILMEngine(merger *SegmentMerger, logger *zap.Logger) *ILMEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ILMEngine{
		collections: make(map[string]*collection.Collection),
		state:       make(map[string]*ilmState),
		merger:      merger,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register starts tracking coll under its schema's ILM policy, if any.
// createdAt is the collection's logical creation time (age rollovers are
// measured from here); callers typically pass the time the collection was
// first opened.
func (e *ILMEngine) Register(coll *collection.Collection, createdAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections[coll.Name()] = coll
	if coll.Schema().ILM == nil || len(coll.Schema().ILM.Phases) == 0 {
		return
	}
	e.state[coll.Name()] = &ilmState{phase: coll.Schema().ILM.Phases[0].Phase, enteredAt: createdAt, createdAt: createdAt}
}

// Unregister drops name from tracking.
func (e *ILMEngine) Unregister(name string) {
	e.mu.Lock()
	delete(e.collections, name)
	delete(e.state, name)
	e.mu.Unlock()
}

// RunOnce evaluates every registered collection's rollover condition once
// and advances phases (and runs their actions) as needed.
func (e *ILMEngine) RunOnce(ctx context.Context) {
	e.mu.Lock()
	type item struct {
		name  string
		coll  *collection.Collection
		state *ilmState
	}
	items := make([]item, 0, len(e.state))
	for name, st := range e.state {
		items = append(items, item{name: name, coll: e.collections[name], state: st})
	}
	e.mu.Unlock()

	for _, it := range items {
		e.evaluate(ctx, it.name, it.coll, it.state)
	}
}

func (e *ILMEngine) evaluate(ctx context.Context, name string, coll *collection.Collection, st *ilmState) {
	policy := coll.Schema().ILM
	if policy == nil {
		return
	}
	idx := phaseIndex(policy, st.phase)
	if idx < 0 || idx >= len(policy.Phases) {
		return
	}
	spec := policy.Phases[idx]

	docCount, sizeBytes, err := segmentStats(ctx, coll)
	if err != nil {
		e.logger.Warn("lifecycle: ilm: failed to read segment stats", zap.String("collection", name), zap.Error(err))
		return
	}

	age := e.now().Sub(st.createdAt)
	r := spec.Rollover
	triggered := (r.MaxAge > 0 && age >= time.Duration(r.MaxAge)*time.Second) ||
		(r.MaxSizeMB > 0 && sizeBytes >= r.MaxSizeMB*1024*1024) ||
		(r.MaxDocCount > 0 && docCount >= r.MaxDocCount)
	if !triggered {
		return
	}
	if idx+1 >= len(policy.Phases) {
		return // already in the terminal phase
	}

	next := policy.Phases[idx+1]
	e.logger.Info("lifecycle: ilm phase transition", zap.String("collection", name), zap.String("from", string(st.phase)), zap.String("to", string(next.Phase)))
	e.runActions(ctx, name, coll, next)

	e.mu.Lock()
	st.phase = next.Phase
	st.enteredAt = e.now()
	e.mu.Unlock()
}

func (e *ILMEngine) runActions(ctx context.Context, name string, coll *collection.Collection, spec model.ILMPhaseSpec) {
	for _, action := range spec.Actions {
		switch action {
		case model.ActionReadonly:
			// Enforced at the write path today via the collection's single-
			// writer lock plus an operator-level decision not to route
			// further writes here; there's no in-process "reject writes"
			// flag on Collection to flip, so this action is a log marker an
			// operator/orchestrator observes and acts on.
			e.logger.Info("lifecycle: ilm: phase marks collection readonly", zap.String("collection", name))
		case model.ActionForceMerge:
			if e.merger == nil {
				continue
			}
			if err := e.merger.ForceMerge(ctx, name, 1, 0); err != nil {
				e.logger.Warn("lifecycle: ilm: force_merge_segments action failed", zap.String("collection", name), zap.Error(err))
			}
		case model.ActionChangeTier:
			e.logger.Info("lifecycle: ilm: phase requests storage tier change", zap.String("collection", name), zap.String("tier", spec.StorageTier))
		}
	}

	// delete is terminal and unconditional: spec §4.10 "delete removes all
	// segments" regardless of which (if any) explicit actions the phase
	// also lists.
	if spec.Phase == model.PhaseDelete {
		if err := deleteCollectionData(ctx, coll, name); err != nil {
			e.logger.Warn("lifecycle: ilm: delete phase cleanup failed", zap.String("collection", name), zap.Error(err))
		}
	}
}

// deleteCollectionData removes every segment blob for name (spec §4.10
// "delete removes all segments").
func deleteCollectionData(ctx context.Context, coll *collection.Collection, name string) error {
	store := coll.Store()
	prefix := model.CollectionDir(name) + "/"
	entries, err := store.List(ctx, prefix)
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

func phaseIndex(policy *model.ILMPolicy, phase model.ILMPhase) int {
	for i, p := range policy.Phases {
		if p.Phase == phase {
			return i
		}
	}
	return -1
}

// segmentStats sums doc counts (from each live segment's manifest.json) and
// byte sizes (from every blob under the segments/ prefix) across a
// collection's currently-live segments, per the COMMIT pointer — the same
// storage-stack surface SegmentMerger reads.
func segmentStats(ctx context.Context, coll *collection.Collection) (docCount int64, sizeBytes int64, err error) {
	store := coll.Store()
	name := coll.Name()

	prefix := model.CollectionDir(name) + "/segments/"
	entries, err := store.List(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		sizeBytes += e.Size
	}

	raw, err := store.Get(ctx, model.CollectionDir(name)+"/COMMIT")
	if err != nil {
		// No commit yet (freshly opened, empty collection): size-only stats.
		return 0, sizeBytes, nil
	}
	var commit model.Commit
	if err := json.Unmarshal(raw, &commit); err != nil {
		return 0, sizeBytes, nil
	}
	for _, segID := range commit.SegmentIDs {
		manifestRaw, err := store.Get(ctx, model.SegmentPaths(name, segID).Manifest)
		if err != nil {
			continue
		}
		var manifest model.SegmentManifest
		if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
			continue
		}
		docCount += int64(manifest.DocCount - manifest.DeletedCount)
	}
	return docCount, sizeBytes, nil
}
