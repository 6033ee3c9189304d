// Package cache is the process-local caching tier: a bounded in-memory
// store that fronts the cluster for read-heavy keys.
//
// [Cache] is the untyped interface; [NewTyped] puts a concrete value type
// on top. [LRU] is the bundled implementation, size-bounded with
// least-recently-used eviction and optional per-entry TTL, serialized
// through one goroutine so callers never take a lock. [Nop] disables the
// tier without changing call sites.
//
//	local := cache.NewLRU(cache.LRUOpts{Size: 1000})
//	defer local.Close()
//
//	local.Put("profile:123", p, cache.WithTTL(5*time.Minute))
//	if v, ok := local.Get("profile:123"); ok {
//	    // v is still any here; see NewTyped for a typed view
//	}
//
// Expired entries fall out lazily on the next read.
package cache
