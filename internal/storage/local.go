package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LocalStore persists blobs as plain files under a root directory.
// Concurrent Put/Delete to distinct paths proceed without blocking; a
// coarse mutex only protects directory-creation races.
type LocalStore struct {
	root   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if needed.
func NewLocalStore(dir string, logger *zap.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapTransient("mkdir", dir, err)
	}
	return &LocalStore{root: dir, logger: logger}, nil
}

func (s *LocalStore) abs(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *LocalStore) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := s.abs(path)

	s.mu.Lock()
	err := os.MkdirAll(filepath.Dir(full), 0o755)
	s.mu.Unlock()
	if err != nil {
		return wrapTransient("mkdir", path, err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return wrapTransient("put", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return wrapTransient("put", path, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, wrapTransient("get", path, err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return wrapTransient("delete", path, err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapTransient("stat", path, err)
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := s.abs(prefix)
	var entries []ListEntry

	// Walk from the deepest existing ancestor directory of the prefix so a
	// prefix that names a partial filename (not just a directory) still
	// works, matching S3 prefix semantics.
	walkRoot := root
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		walkRoot = filepath.Dir(root)
	}

	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)
		if !strings.HasPrefix(relSlash, prefix) {
			return nil
		}
		if strings.HasSuffix(relSlash, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, ListEntry{Path: relSlash, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, wrapTransient("list", prefix, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
