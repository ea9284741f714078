package optimizer

import (
	"context"
	"sync"
	"time"

	"spot-runner/core/models"

	"github.com/rs/zerolog/log"
)

// CachedCatalog keeps the provider catalog in memory and refreshes it in the background
type CachedCatalog struct {
	source    Catalog
	cacheTTL  time.Duration
	mu        sync.RWMutex
	types     []models.InstanceType
	fetchedAt time.Time
}

// NewCachedCatalog creates a catalog cache in front of source
func NewCachedCatalog(source Catalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		source:   source,
		cacheTTL: ttl,
	}
}

// InstanceTypes returns the cached catalog, loading it when stale
func (cc *CachedCatalog) InstanceTypes(ctx context.Context) ([]models.InstanceType, error) {
	cc.mu.RLock()
	if cc.types != nil && time.Since(cc.fetchedAt) < cc.cacheTTL {
		types := cc.types
		cc.mu.RUnlock()
		return types, nil
	}
	cc.mu.RUnlock()

	return cc.refresh(ctx)
}

// StartRefreshWorker refreshes the catalog every TTL until ctx is done
func (cc *CachedCatalog) StartRefreshWorker(ctx context.Context) {
	ticker := time.NewTicker(cc.cacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cc.refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to refresh instance catalog")
			}
		}
	}
}

func (cc *CachedCatalog) refresh(ctx context.Context) ([]models.InstanceType, error) {
	types, err := cc.source.InstanceTypes(ctx)
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	cc.types = types
	cc.fetchedAt = time.Now()
	cc.mu.Unlock()

	log.Debug().Int("types", len(types)).Msg("instance catalog refreshed")
	return types, nil
}
