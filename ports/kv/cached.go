package kv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/codewandler/mcring-go/core/cache"
	"github.com/codewandler/mcring-go/core/metrics"
)

// CachedStore layers an in-process cache in front of another Store. Reads
// check the local tier first; writes go through to the backing store and
// refresh the local copy. The local tier holds entries for at most LocalTTL,
// so another process's overwrite becomes visible after that window even
// without an invalidation. Callers must not modify returned slices.
type CachedStore struct {
	next     Store
	local    cache.TypedCache[[]byte]
	localTTL time.Duration
	hits     metrics.Counter
	misses   metrics.Counter
}

type CachedStoreOptions struct {
	// Local is the in-process tier.
	Local cache.Cache
	// LocalTTL bounds local staleness. Zero keeps entries until evicted.
	LocalTTL time.Duration
	// Hits and Misses count local-tier outcomes on Get. Nil discards them.
	Hits   metrics.Counter
	Misses metrics.Counter
}

func NewCachedStore(next Store, opts CachedStoreOptions) (*CachedStore, error) {
	if next == nil {
		return nil, fmt.Errorf("kv: CachedStore backing store is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("kv: CachedStoreOptions.Local is required")
	}
	hits, misses := opts.Hits, opts.Misses
	if hits == nil {
		hits = metrics.NopCounter()
	}
	if misses == nil {
		misses = metrics.NopCounter()
	}
	return &CachedStore{
		next:     next,
		local:    cache.NewTyped[[]byte](opts.Local),
		localTTL: opts.LocalTTL,
		hits:     hits,
		misses:   misses,
	}, nil
}

func (s *CachedStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := s.next.Put(ctx, key, data, opts); err != nil {
		return err
	}
	s.localPut(key, bytes.Clone(data), opts.TTL)
	return nil
}

func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := s.local.Get(key); ok {
		s.hits.Inc()
		return data, nil
	}
	s.misses.Inc()
	data, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.localPut(key, bytes.Clone(data), 0)
	return data, nil
}

// Delete removes the key from both tiers. The local copy goes even when the
// backing delete fails, so a retry never serves the deleted value locally.
func (s *CachedStore) Delete(ctx context.Context, key string) error {
	err := s.next.Delete(ctx, key)
	s.local.Delete(key)
	return err
}

// localPut caches data with the tighter of the local and remote lifetimes,
// so the local tier never outlives the backing entry.
func (s *CachedStore) localPut(key string, data []byte, remoteTTL time.Duration) {
	ttl := s.localTTL
	if remoteTTL > 0 && (ttl <= 0 || remoteTTL < ttl) {
		ttl = remoteTTL
	}
	if ttl > 0 {
		s.local.Put(key, data, cache.WithTTL(ttl))
		return
	}
	s.local.Put(key, data)
}

var _ Store = (*CachedStore)(nil)
