package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dynamic-api/internal/models"
)

// MetadataSource is the store behind the catalog.
type MetadataSource interface {
	PublishedEndpoints(ctx context.Context) ([]models.Endpoint, error)
	PublicEndpoints(ctx context.Context) ([]models.Endpoint, error)
	FindEndpoint(ctx context.Context, path, method string) (*models.Endpoint, error)
	EndpointParameters(ctx context.Context, endpointID uint) ([]models.EndpointParameter, error)
	GetDatasource(ctx context.Context, id uint) (*models.Datasource, error)
}

const keyPublished = "catalog:endpoints:published"

func keyParameters(id uint) string { return fmt.Sprintf("catalog:params:%d", id) }

// EndpointCatalog is a read-through cache of the metadata the request path
// reads on every call. Metadata notices drop the affected entries.
type EndpointCatalog struct {
	source MetadataSource
	cache  *CacheManager
	ttl    time.Duration
	logger *slog.Logger
}

func NewEndpointCatalog(source MetadataSource, cm *CacheManager, ttl time.Duration, logger *slog.Logger) *EndpointCatalog {
	c := &EndpointCatalog{source: source, cache: cm, ttl: ttl, logger: logger}
	cm.OnMetadataUpdate(c.invalidate)
	return c
}

func (c *EndpointCatalog) PublishedEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	return readThrough(c, keyPublished, func() ([]models.Endpoint, error) {
		return c.source.PublishedEndpoints(ctx)
	})
}

// PublicEndpoints is read uncached: the public path refresher has its own
// snapshot.
func (c *EndpointCatalog) PublicEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	return c.source.PublicEndpoints(ctx)
}

func (c *EndpointCatalog) FindEndpoint(ctx context.Context, path, method string) (*models.Endpoint, error) {
	return c.source.FindEndpoint(ctx, path, method)
}

func (c *EndpointCatalog) EndpointParameters(ctx context.Context, endpointID uint) ([]models.EndpointParameter, error) {
	return readThrough(c, keyParameters(endpointID), func() ([]models.EndpointParameter, error) {
		return c.source.EndpointParameters(ctx, endpointID)
	})
}

// GetDatasource is read uncached so activation changes and encrypted
// credentials are always current.
func (c *EndpointCatalog) GetDatasource(ctx context.Context, id uint) (*models.Datasource, error) {
	return c.source.GetDatasource(ctx, id)
}

func (c *EndpointCatalog) invalidate(u MetadataUpdate) {
	if u.Kind != KindEndpoint {
		return
	}
	if err := c.cache.Delete(keyPublished, keyParameters(u.ID)); err != nil {
		c.logger.Warn("catalog invalidation failed", "kind", u.Kind, "id", u.ID, "error", err)
	}
}

func readThrough[T any](c *EndpointCatalog, key string, load func() (T, error)) (T, error) {
	var cached T
	if found, err := c.cache.Get(key, &cached); found && err == nil {
		return cached, nil
	}

	value, err := load()
	if err != nil {
		return value, err
	}
	if err := c.cache.Set(key, value, c.ttl); err != nil {
		c.logger.Warn("catalog cache write failed", "key", key, "error", err)
	}
	return value, nil
}
