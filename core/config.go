package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultExpiryGraceWindow       = 72 * time.Hour
	DefaultCancellationGraceWindow = 24 * time.Hour
)

type Config struct {
	ServiceName     string    `koanf:"service_name" mapstructure:"service_name"`
	Environment     string    `koanf:"environment" mapstructure:"environment"`
	BundleID        string    `koanf:"bundle_id" mapstructure:"bundle_id"`
	SandboxFallback bool      `koanf:"sandbox_fallback" mapstructure:"sandbox_fallback"`
	Policy          Policy    `koanf:"policy" mapstructure:"policy"`
	Products        []Product `koanf:"products" mapstructure:"products"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "entitlements",
		Environment: string(EnvironmentProduction),
		Policy: Policy{
			ExpiryGraceWindow:       DefaultExpiryGraceWindow,
			CancellationGraceWindow: DefaultCancellationGraceWindow,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if _, ok := ParseEnvironment(c.Environment); !ok {
		return fmt.Errorf("core: environment %q is invalid", c.Environment)
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, product := range c.Products {
		if err := product.Validate(); err != nil {
			return err
		}
		if _, ok := seen[product.ID]; ok {
			return fmt.Errorf("core: product %q is duplicated", product.ID)
		}
		seen[product.ID] = struct{}{}
	}
	return nil
}

// DeploymentEnvironment returns the normalized storefront environment the
// deployment serves.
func (c Config) DeploymentEnvironment() Environment {
	env, ok := ParseEnvironment(c.Environment)
	if !ok {
		return EnvironmentProduction
	}
	return env
}

// StaticProductCatalog serves products declared in configuration.
type StaticProductCatalog map[string]Product

func NewStaticProductCatalog(products ...Product) StaticProductCatalog {
	catalog := make(StaticProductCatalog, len(products))
	for _, product := range products {
		id := strings.TrimSpace(product.ID)
		if id == "" {
			continue
		}
		product.ID = id
		catalog[id] = product
	}
	return catalog
}

func (c StaticProductCatalog) LookupProduct(_ context.Context, productID string) (Product, bool, error) {
	product, ok := c[strings.TrimSpace(productID)]
	return product, ok, nil
}
