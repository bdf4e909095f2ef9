package httpcache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
)

// Storage manages the named caches held by a store
type Storage interface {
	// opens the named cache, creating it if absent
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// deletes the named cache with all its entries.
	// returns false when it did not exist
	Delete(ctx context.Context, name string) (bool, error)
	// lists the names of all caches
	Keys(ctx context.Context) ([]string, error)
	// searches every cache, in Keys order, for a response to the request
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
}

type storeStorage struct {
	store cache.Store
}

// NewStorage returns a Storage backed by store
func NewStorage(store cache.Store) Storage {
	return &storeStorage{store: store}
}

func (s *storeStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.store.CreateBucket(name); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return New(name, s.store), nil
}

func (s *storeStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.store.HasBucket(name)
}

func (s *storeStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.store.DeleteBucket(name)
}

func (s *storeStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.Buckets()
}

func (s *storeStorage) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		resp, err := New(name, s.store).Match(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}
