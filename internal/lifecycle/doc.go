// Package lifecycle implements spec §4.10 Lifecycle/Background: a segment
// merger (wired into internal/collection.Collection via the Merger
// interface so that package never imports this one), an ILM phase-
// transition engine (hot -> warm -> cold -> frozen -> delete), and a cache
// evictor that wakes the already-built internal/embedcache.Cache.Evict and
// internal/storage.CachedStore's L1 accounting on a schedule.
//
// Every scheduler in this package follows the same shape: a ticker-driven
// loop goroutine, a stopCh/doneCh pair for Close, and a method that can
// also be called synchronously (ForceMerge, RunOnce) for tests and for
// operator-triggered runs outside the regular interval.
package lifecycle
