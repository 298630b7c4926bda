package collection

import "context"

// Merger performs the actual forced segment merge (spec §4.7 `optimize`,
// §4.10 "Segment merger"). The collection engine only owns the trigger;
// the merge policy itself (smallest-first by size tier, cooperative
// cancellation) lives in the lifecycle package and is injected here so
// internal/collection never imports internal/lifecycle directly.
type Merger interface {
	ForceMerge(ctx context.Context, collection string, maxSegments int, maxSegmentSize int64) error
}

// SetMerger wires the lifecycle package's segment merger into Optimize.
func (c *Collection) SetMerger(m Merger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merger = m
}

// Optimize triggers a forced merge down to maxSegments segments (spec §4.7
// "if max_segment_size is set, effective target rises so that no merged
// segment exceeds the cap" — that arithmetic is the merger's job). Absent a
// wired Merger, Optimize falls back to flushing the open segment via
// Commit so at least the pending writes are durable.
func (c *Collection) Optimize(ctx context.Context, maxSegments int, maxSegmentSize int64) error {
	c.mu.Lock()
	merger := c.merger
	name := c.name
	c.mu.Unlock()

	if merger == nil {
		_, err := c.Commit(ctx)
		return err
	}
	return merger.ForceMerge(ctx, name, maxSegments, maxSegmentSize)
}
