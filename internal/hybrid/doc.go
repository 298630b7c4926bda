// Package hybrid fuses the text backend's BM25 candidates and the vector
// backend's HNSW candidates into one ranked list (spec §4.8): reciprocal
// rank fusion or weighted-score fusion, optional multiplicative boosting,
// and an optional two-phase rerank over the fused top candidates.
package hybrid
