package appstore

import (
	"fmt"
	"strings"
	"time"
)

const (
	ProviderID    = "appstore"
	ProductionURL = "https://api.storekit.itunes.apple.com"
	SandboxURL    = "https://api.storekit-sandbox.itunes.apple.com"
	TokenAudience = "appstoreconnect-v1"

	transactionPath = "/inApps/v1/transactions/"
	maxTokenTTL     = time.Hour
)

type Config struct {
	IssuerID      string        `koanf:"issuer_id" json:"issuer_id"`
	KeyID         string        `koanf:"key_id" json:"key_id"`
	BundleID      string        `koanf:"bundle_id" json:"bundle_id"`
	PrivateKeyPEM string        `koanf:"private_key_pem" json:"-"`
	ProductionURL string        `koanf:"production_url" json:"production_url"`
	SandboxURL    string        `koanf:"sandbox_url" json:"sandbox_url"`
	TokenTTL      time.Duration `koanf:"token_ttl" json:"token_ttl"`
	Timeout       time.Duration `koanf:"timeout" json:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		ProductionURL: ProductionURL,
		SandboxURL:    SandboxURL,
		TokenTTL:      20 * time.Minute,
		Timeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.ProductionURL) == "" {
		c.ProductionURL = defaults.ProductionURL
	}
	if strings.TrimSpace(c.SandboxURL) == "" {
		c.SandboxURL = defaults.SandboxURL
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaults.TokenTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	c.ProductionURL = strings.TrimRight(strings.TrimSpace(c.ProductionURL), "/")
	c.SandboxURL = strings.TrimRight(strings.TrimSpace(c.SandboxURL), "/")
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.IssuerID) == "" {
		return fmt.Errorf("appstore: issuer_id is required")
	}
	if strings.TrimSpace(c.KeyID) == "" {
		return fmt.Errorf("appstore: key_id is required")
	}
	if strings.TrimSpace(c.BundleID) == "" {
		return fmt.Errorf("appstore: bundle_id is required")
	}
	if strings.TrimSpace(c.PrivateKeyPEM) == "" {
		return fmt.Errorf("appstore: private_key_pem is required")
	}
	if c.TokenTTL > maxTokenTTL {
		return fmt.Errorf("appstore: token_ttl must be at most %s", maxTokenTTL)
	}
	return nil
}
