// Package collection implements the collection engine from spec §4.7: the
// facade wiring schema, text backend, vector backend, pipelines, embedding
// cache/provider and storage into index/commit/get/search/aggregate/
// suggest/more_like_this operations over one named collection.
package collection
