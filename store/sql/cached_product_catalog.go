package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-entitlements/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const productCacheKeyPrefix = "go-entitlements::product::v1"

// productLookup caches misses as well as hits.
type productLookup struct {
	Product core.Product
	Found   bool
}

// CachedProductCatalog is a read-through cache over a product source.
type CachedProductCatalog struct {
	base  core.ProductCatalog
	cache repositorycache.CacheService
}

func NewCachedProductCatalog(base core.ProductCatalog, cacheService repositorycache.CacheService) (*CachedProductCatalog, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base product catalog is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: product cache service is required")
	}
	return &CachedProductCatalog{base: base, cache: cacheService}, nil
}

// ProductCacheKey returns go-entitlements::product::v1::<escaped product id>.
func ProductCacheKey(productID string) (string, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return "", fmt.Errorf("sqlstore: product id is required")
	}
	return productCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (c *CachedProductCatalog) LookupProduct(ctx context.Context, productID string) (core.Product, bool, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return core.Product{}, false, fmt.Errorf("sqlstore: cached product catalog is not configured")
	}
	key, err := ProductCacheKey(productID)
	if err != nil {
		return core.Product{}, false, nil
	}
	lookup, err := repositorycache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (productLookup, error) {
		product, found, fetchErr := c.base.LookupProduct(ctx, strings.TrimSpace(productID))
		if fetchErr != nil {
			return productLookup{}, fetchErr
		}
		return productLookup{Product: product, Found: found}, nil
	})
	if err != nil {
		return core.Product{}, false, err
	}
	return lookup.Product, lookup.Found, nil
}

// Invalidate drops the cached entry for productID.
func (c *CachedProductCatalog) Invalidate(ctx context.Context, productID string) error {
	if c == nil || c.cache == nil {
		return fmt.Errorf("sqlstore: cached product catalog is not configured")
	}
	key, err := ProductCacheKey(productID)
	if err != nil {
		return err
	}
	return c.cache.Delete(ctx, key)
}
