package kv

import (
	"context"

	"github.com/codewandler/mcring-go/core/cluster"
)

// ClusterStore backs the Store port with a sharded cache cluster.
type ClusterStore struct {
	router *cluster.Router
}

func NewClusterStore(router *cluster.Router) *ClusterStore {
	return &ClusterStore{router: router}
}

func (s *ClusterStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	return s.router.Set(ctx, key, data, opts.TTL)
}

func (s *ClusterStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.router.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if v.IsNil() {
		return nil, ErrNotFound
	}
	return v.Bytes(), nil
}

func (s *ClusterStore) Delete(ctx context.Context, key string) error {
	_, err := s.router.Delete(ctx, key)
	return err
}

var _ Store = (*ClusterStore)(nil)
