package embedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var cacheBucket = []byte("embedcache")

// storedEntry is Entry's wire form (float32 vectors round-trip cleanly
// through JSON as numbers; bbolt stores opaque []byte values).
type storedEntry struct {
	Key         string    `json:"key"`
	ModelID     string    `json:"model_id"`
	TextHash    string    `json:"text_hash"`
	Vector      []float32 `json:"vector"`
	Dimension   int       `json:"dimension"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount uint64    `json:"access_count"`
}

// LocalBackend is the B-tree-backed local cache store, grounded on bbolt
// (the same embedded B+tree bleve's scorch segment store uses).
type LocalBackend struct {
	db *bolt.DB
}

// NewLocalBackend opens (creating if absent) a bbolt-backed cache at path.
func NewLocalBackend(path string) (*LocalBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("embedcache: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LocalBackend{db: db}, nil
}

// Close releases the underlying database file.
func (b *LocalBackend) Close() error { return b.db.Close() }

func (b *LocalBackend) Get(ctx context.Context, key string) (*Entry, error) {
	var out *Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cacheBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var se storedEntry
		if err := json.Unmarshal(raw, &se); err != nil {
			return err
		}
		out = &Entry{
			Key: se.Key, ModelID: se.ModelID, TextHash: se.TextHash,
			Vector: se.Vector, Dimension: se.Dimension,
			CreatedAt: se.CreatedAt, AccessedAt: se.AccessedAt, AccessCount: se.AccessCount,
		}
		return nil
	})
	return out, err
}

func (b *LocalBackend) Put(ctx context.Context, entry Entry) error {
	se := storedEntry{
		Key: entry.Key, ModelID: entry.ModelID, TextHash: entry.TextHash,
		Vector: entry.Vector, Dimension: entry.Dimension,
		CreatedAt: entry.CreatedAt, AccessedAt: entry.AccessedAt, AccessCount: entry.AccessCount,
	}
	raw, err := json.Marshal(se)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(entry.Key), raw)
	})
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(key))
	})
}

func (b *LocalBackend) Keys(ctx context.Context) ([]KeyAccess, error) {
	var out []KeyAccess
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).ForEach(func(k, v []byte) error {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return err
			}
			out = append(out, KeyAccess{Key: se.Key, AccessedAt: se.AccessedAt})
			return nil
		})
	})
	return out, err
}
