// Package textindex implements the Text Backend (spec §4.4): a per-collection
// BM25 inverted index built on bleve/scorch, with stored-field reconstruction,
// a lucene-style query parser, and commit-generation snapshots addressed
// through the storage stack.
//
// Each collection owns one bleve index rooted at a local directory; segment
// and manifest bookkeeping is mirrored into the storage stack (internal/storage)
// so readers can discover committed generations the same way the vector
// backend and federation layer do.
package textindex
