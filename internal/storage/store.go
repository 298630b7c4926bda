// Package storage implements the composable object store described in
// spec §4.1: local, remote (S3-compatible), cached, compressed and
// encrypted variants, all satisfying the same Store contract so the text
// and vector backends never know which composition they're talking to.
//
// Layering is strictly linear — each variant wraps exactly one inner
// Store — matching the teacher's own preference for shallow composition
// over deep interface chains (discovery.Discovery wraps index/search/
// semantic/tooldoc the same way: one facade, one layer of delegation per
// concern).
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/prismdb/prism/internal/prismerr"
)

// ErrNotFound is returned by Get when path does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ListEntry is one entry returned by List.
type ListEntry struct {
	Path string
	Size int64
}

// Store is the contract every storage-stack variant satisfies: put/get/
// delete/list of opaque byte blobs keyed by path. Writes are eventually
// durable; reads of a completed Put are immediately visible from the same
// logical store.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]ListEntry, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// wrapTransient marks a lower-layer error as retryable, per the outermost
// layer's failure is what callers observe.
func wrapTransient(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("storage %s %q: %w: %w", op, path, prismerr.ErrTransientIo, err)
}
