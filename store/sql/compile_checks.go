package sqlstore

import "github.com/goliatone/go-entitlements/core"

var (
	_ core.EntitlementStore = (*EntitlementStore)(nil)
	_ core.EntitlementTx    = (*entitlementTx)(nil)
	_ core.ProductCatalog   = (*ProductStore)(nil)
	_ core.ProductCatalog   = (*CachedProductCatalog)(nil)
)
