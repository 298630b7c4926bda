package textindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
	"github.com/prismdb/prism/internal/storage"
)

// Index is the per-collection BM25 text backend. Writes are single-writer
// (guarded by mu). Reads go straight to the bleve index, so they see every
// indexed or deleted document as soon as that call returns, committed or not;
// there is no per-generation read snapshot.
type Index struct {
	collection string
	schema     *model.Schema
	bleve      bleve.Index
	localDir   string
	store      storage.Store
	logger     *zap.Logger

	mu         sync.RWMutex
	generation uint64
	tombstones *roaring64.Bitmap
	lastCommit model.Commit
}

// Generation returns the last published commit generation, 0 if the
// collection has never committed.
func (idx *Index) Generation() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.generation
}

// LastCommit returns the most recently published commit, used by the
// collection engine to discover which segment ids to load at startup.
func (idx *Index) LastCommit() model.Commit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastCommit
}

// Open creates or opens the bleve index for a collection under localDir
// (a scratch directory bleve owns directly) and mirrors commit manifests
// into store under collections/{name}/segments/...
func Open(ctx context.Context, collection string, schema *model.Schema, localDir string, store storage.Store, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	im, err := buildMapping(schema)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(localDir, "bleve")
	bi, err := bleve.Open(path)
	if err != nil {
		bi, err = bleve.New(path, im)
		if err != nil {
			return nil, fmt.Errorf("textindex: open/create bleve index: %w", err)
		}
	}

	idx := &Index{
		collection: collection,
		schema:     schema,
		bleve:      bi,
		localDir:   localDir,
		store:      store,
		logger:     logger,
		tombstones: roaring64.New(),
	}

	if err := idx.loadLatestCommit(ctx); err != nil {
		logger.Warn("textindex: no prior commit found, starting fresh", zap.String("collection", collection), zap.Error(err))
	}

	return idx, nil
}

// Close releases the underlying bleve index handle.
func (idx *Index) Close() error {
	return idx.bleve.Close()
}

// IndexDocument upserts a document under its internal id. Fields are
// flattened into a bleve-compatible map; text/string/numeric/date/bool
// fields are indexed per the schema mapping, bytes and vectors are skipped.
func (idx *Index) IndexDocument(ctx context.Context, internalID model.InternalID, doc *model.Document) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	flat := make(map[string]interface{}, len(doc.Fields))
	for name, v := range doc.Fields {
		fd, ok := idx.schema.FieldByName(name)
		if !ok || !fd.Indexed {
			continue
		}
		switch v.Kind {
		case model.KindText, model.KindString:
			flat[name] = v.Text
		case model.KindI64:
			flat[name] = v.I64
		case model.KindU64:
			flat[name] = v.U64
		case model.KindF64:
			flat[name] = v.F64
		case model.KindBool:
			flat[name] = v.Bool
		case model.KindDate:
			flat[name] = v.Date
		case model.KindBytes, model.KindVector:
			// handled by the vector backend / stored blob, not the text index
		default:
			return fmt.Errorf("%w: field %q has unsupported kind %q", prismerr.ErrSchemaViolation, name, v.Kind)
		}
	}

	key := packedID(internalID)
	if err := idx.bleve.Index(key, flat); err != nil {
		return fmt.Errorf("textindex: index document %s: %w", key, err)
	}
	return nil
}

// DeleteDocument marks an internal id as deleted. Deletion is immediate in
// the bleve index and also recorded in the tombstone bitmap the vector
// backend consults for soft-delete filtering (spec §4.5).
func (idx *Index) DeleteDocument(ctx context.Context, internalID model.InternalID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := packedID(internalID)
	if err := idx.bleve.Delete(key); err != nil {
		return fmt.Errorf("textindex: delete document %s: %w", key, err)
	}
	idx.tombstones.Add(internalID.Pack())
	return nil
}

// IsDeleted reports whether an internal id has been soft-deleted in this
// index's tombstone bitmap.
func (idx *Index) IsDeleted(internalID model.InternalID) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tombstones.Contains(internalID.Pack())
}

// Commit advances the commit generation and persists a manifest + tombstone
// snapshot through the storage stack. The bleve index itself is durable on
// every Index/Delete call (scorch fsyncs its own segment files); Commit does
// not change what Search sees.
func (idx *Index) Commit(ctx context.Context) (model.Commit, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	gen := atomic.AddUint64(&idx.generation, 1)

	manifest := model.SegmentManifest{
		SegmentID:    uint32(gen),
		DocCount:     idx.docCountLocked(),
		CreatedAtUTC: time.Now().UTC().Unix(),
		HasVectors:   idx.schema.Vector != nil,
	}
	for _, f := range idx.schema.Fields {
		manifest.Fields = append(manifest.Fields, f.Name)
	}

	paths := model.SegmentPaths(idx.collection, manifest.SegmentID)
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return model.Commit{}, err
	}
	if err := idx.store.Put(ctx, paths.Manifest, manifestBytes); err != nil {
		return model.Commit{}, fmt.Errorf("textindex: persist manifest: %w", err)
	}

	tsBytes, err := idx.tombstones.MarshalBinary()
	if err != nil {
		return model.Commit{}, err
	}
	if err := idx.store.Put(ctx, paths.TombstonesDir+"/bitmap.bin", tsBytes); err != nil {
		return model.Commit{}, fmt.Errorf("textindex: persist tombstones: %w", err)
	}

	commit := model.Commit{Generation: gen, SegmentIDs: []uint32{manifest.SegmentID}}
	commitBytes, err := json.Marshal(commit)
	if err != nil {
		return model.Commit{}, err
	}
	commitPath := model.CollectionDir(idx.collection) + "/COMMIT"
	if err := idx.store.Put(ctx, commitPath, commitBytes); err != nil {
		return model.Commit{}, fmt.Errorf("textindex: persist commit pointer: %w", err)
	}

	idx.lastCommit = commit
	return commit, nil
}

func (idx *Index) docCountLocked() int {
	n, _ := idx.bleve.DocCount()
	return int(n)
}

func (idx *Index) loadLatestCommit(ctx context.Context) error {
	commitPath := model.CollectionDir(idx.collection) + "/COMMIT"
	raw, err := idx.store.Get(ctx, commitPath)
	if err != nil {
		return err
	}
	var commit model.Commit
	if err := json.Unmarshal(raw, &commit); err != nil {
		return fmt.Errorf("%w: corrupt commit pointer: %v", prismerr.ErrCorrupted, err)
	}
	idx.generation = commit.Generation
	idx.lastCommit = commit

	if len(commit.SegmentIDs) == 0 {
		return nil
	}
	paths := model.SegmentPaths(idx.collection, commit.SegmentIDs[len(commit.SegmentIDs)-1])
	tsBytes, err := idx.store.Get(ctx, paths.TombstonesDir+"/bitmap.bin")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	bm := roaring64.New()
	if err := bm.UnmarshalBinary(tsBytes); err != nil {
		return fmt.Errorf("%w: corrupt tombstone bitmap: %v", prismerr.ErrCorrupted, err)
	}
	idx.tombstones = bm
	return nil
}

func packedID(id model.InternalID) string {
	return fmt.Sprintf("%d-%d", id.SegmentID, id.LocalOrd)
}
