package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-entitlements/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	entitlementStore *EntitlementStore
	productStore     *ProductStore
	productCatalog   *CachedProductCatalog
	cacheService     repositorycache.CacheService
}

type FactoryOption func(*RepositoryFactory)

// WithProductCache fronts the product store with cacheService.
func WithProductCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cacheService = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build resolves a *bun.DB from persistenceClient (a *bun.DB or anything
// exposing DB() *bun.DB) and wires the stores once.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.entitlementStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) EntitlementStore() *EntitlementStore {
	if f == nil {
		return nil
	}
	return f.entitlementStore
}

func (f *RepositoryFactory) ProductStore() *ProductStore {
	if f == nil {
		return nil
	}
	return f.productStore
}

// ProductCatalog returns the cached catalog when a cache was configured and
// the plain product store otherwise.
func (f *RepositoryFactory) ProductCatalog() core.ProductCatalog {
	if f == nil {
		return nil
	}
	if f.productCatalog != nil {
		return f.productCatalog
	}
	return f.productStore
}

func (f *RepositoryFactory) initStores() error {
	entitlementStore, err := NewEntitlementStore(f.db)
	if err != nil {
		return err
	}
	productStore, err := NewProductStore(f.db)
	if err != nil {
		return err
	}
	f.entitlementStore = entitlementStore
	f.productStore = productStore
	if f.cacheService != nil {
		catalog, err := NewCachedProductCatalog(productStore, f.cacheService)
		if err != nil {
			return err
		}
		f.productCatalog = catalog
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
