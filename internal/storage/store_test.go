package storage_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/storage"
)

func newLocal(t *testing.T) *storage.LocalStore {
	t.Helper()
	s, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestLocalStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	require.NoError(t, s.Put(ctx, "collections/c/segments/1/postings", []byte("hello")))

	data, err := s.Get(ctx, "collections/c/segments/1/postings")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	ok, err := s.Exists(ctx, "collections/c/segments/1/postings")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete(ctx, "collections/c/segments/1/postings"))

	_, err = s.Get(ctx, "collections/c/segments/1/postings")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLocalStoreList(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	require.NoError(t, s.Put(ctx, "collections/c/segments/1/postings", []byte("a")))
	require.NoError(t, s.Put(ctx, "collections/c/segments/2/postings", []byte("bb")))
	require.NoError(t, s.Put(ctx, "collections/other/segments/1/postings", []byte("c")))

	entries, err := s.List(ctx, "collections/c/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestCompressedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := newLocal(t)

	for _, algo := range []storage.Algo{storage.AlgoZstd, storage.AlgoLZ4} {
		cs := storage.NewCompressedStore(inner, algo, 4)
		payload := bytes.Repeat([]byte("prism-hybrid-search-"), 100)

		require.NoError(t, cs.Put(ctx, "blob-"+string(algo), payload))
		got, err := cs.Get(ctx, "blob-"+string(algo))
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestCompressedStorePassthroughBelowMinSize(t *testing.T) {
	ctx := context.Background()
	inner := newLocal(t)
	cs := storage.NewCompressedStore(inner, storage.AlgoZstd, 1024)

	small := []byte("tiny")
	require.NoError(t, cs.Put(ctx, "small", small))
	got, err := cs.Get(ctx, "small")
	require.NoError(t, err)
	require.Equal(t, small, got)
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := newLocal(t)

	key := bytes.Repeat([]byte{0x11}, 32)
	es, err := storage.NewEncryptedStore(inner, key, "k1")
	require.NoError(t, err)

	payload := []byte("sensitive document body")
	require.NoError(t, es.Put(ctx, "doc", payload))

	got, err := es.Get(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEncryptedStoreWrongKeyIsCorrupted(t *testing.T) {
	ctx := context.Background()
	inner := newLocal(t)

	key := bytes.Repeat([]byte{0x22}, 32)
	es, err := storage.NewEncryptedStore(inner, key, "k1")
	require.NoError(t, err)
	require.NoError(t, es.Put(ctx, "doc", []byte("payload")))

	wrongKey := bytes.Repeat([]byte{0x33}, 32)
	es2, err := storage.NewEncryptedStore(inner, wrongKey, "k1")
	require.NoError(t, err)

	_, err = es2.Get(ctx, "doc")
	require.Error(t, err)
	require.ErrorContains(t, err, "corrupted")
}

func TestCachedStoreReadThroughAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	l2 := newLocal(t)
	l1 := newLocal(t)

	cache := storage.NewCachedStore(l2, l1, 1<<20, true, nil)
	defer cache.Close()

	require.NoError(t, cache.Put(ctx, "doc", []byte("v1")))

	l2Data, err := l2.Get(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), l2Data)

	got, err := cache.Get(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func TestCachedStorePopulatesL1OnMiss(t *testing.T) {
	ctx := context.Background()
	l2 := newLocal(t)
	l1 := newLocal(t)

	require.NoError(t, l2.Put(ctx, "doc", []byte("from-l2")))

	cache := storage.NewCachedStore(l2, l1, 1<<20, true, nil)
	defer cache.Close()

	got, err := cache.Get(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("from-l2"), got)

	l1Data, err := l1.Get(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("from-l2"), l1Data)
}
