// Package vectorindex implements the Vector Backend (spec §4.5): a
// hand-rolled per-segment HNSW graph over fixed-dimension float32 vectors,
// with cosine/L2/dot distance metrics, binary snapshotting through the
// storage stack, and collection-level scatter-gather across segment graphs.
//
// HNSW is hand-rolled rather than delegated to an ANN library because the
// segment/snapshot model needs direct control over the graph's serialized
// layout (see DESIGN.md).
package vectorindex
