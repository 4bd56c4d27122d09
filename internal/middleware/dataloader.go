package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/engraph/internal/datastore"
	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/repository"
)

type ctxKey string

const hydratorCacheKey ctxKey = "hydratorCache"

// HydratorProvider builds batch loaders scoped to one entity set.
type HydratorProvider interface {
	NewHydrator(entitySetID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions) *datastore.Hydrator
}

// hydratorCache shares one hydrator per entity set within a request, so
// fan-out lookups for the same set coalesce into batched reads.
type hydratorCache struct {
	mu       sync.Mutex
	provider HydratorProvider
	bySet    map[uuid.UUID]*datastore.Hydrator
}

func (c *hydratorCache) forSet(entitySetID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions) *datastore.Hydrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hydrator, ok := c.bySet[entitySetID]; ok {
		return hydrator
	}
	hydrator := c.provider.NewHydrator(entitySetID, authorized, opts)
	c.bySet[entitySetID] = hydrator
	return hydrator
}

// HydratorMiddleware attaches a request-scoped hydrator cache to the context.
func HydratorMiddleware(provider HydratorProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cache := &hydratorCache{provider: provider, bySet: map[uuid.UUID]*datastore.Hydrator{}}
			ctx := context.WithValue(r.Context(), hydratorCacheKey, cache)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HydratorFromContext returns the request's hydrator for the given entity
// set, or nil when the middleware is not installed.
func HydratorFromContext(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions) *datastore.Hydrator {
	cache, ok := ctx.Value(hydratorCacheKey).(*hydratorCache)
	if !ok {
		return nil
	}
	return cache.forSet(entitySetID, authorized, opts)
}
