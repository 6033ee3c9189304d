// Package kv is a small key-value port for application code that wants a
// store, not a cache protocol. [Store] narrows the router surface to
// Put/Get/Delete with explicit misses; [CachedStore] stacks a process-local
// tier on top, and the generic [Put]/[Get] helpers move typed records as
// JSON.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type PutOptions struct {
	TTL time.Duration
}

// Store is a byte-oriented key-value port over a cache backend. Get returns
// ErrNotFound on a miss so callers can tell absent from empty.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (data []byte, err error)
	Delete(ctx context.Context, key string) error
}

// Put stores v as JSON.
func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data, opts)
}

// Get loads a JSON value stored with [Put].
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(data, &out)
	if err != nil {
		return
	}
	return
}
