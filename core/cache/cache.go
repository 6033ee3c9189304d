package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

// WithTTL expires the entry after ttl. Without it an entry lives until
// evicted or overwritten.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

// Cache is a process-local key-value tier. Implementations are safe for
// concurrent use and never block on anything remote; Get reports a miss
// as (nil, false).
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}

// TypedCache narrows a Cache to one value type, trading the any round
// trip for compile-time checking.
type TypedCache[T any] interface {
	Get(key string) (T, bool)
	Put(key string, val T, opts ...PutOption)
	Delete(key string)
}

// NewTyped adapts c to values of type T. An entry of another type under
// the same key reads back as a miss.
func NewTyped[T any](c Cache) TypedCache[T] { return typed[T]{c} }

type typed[T any] struct {
	c Cache
}

func (t typed[T]) Get(key string) (T, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}

func (t typed[T]) Put(key string, val T, opts ...PutOption) {
	t.c.Put(key, val, opts...)
}

func (t typed[T]) Delete(key string) {
	t.c.Delete(key)
}
