package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the order core configuration, loadable from environment
// variables (ORDERCORE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8081" usage:"Health endpoint listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (ORDERCORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Redis       RedisConfig
	Pricing     PricingConfig
	Inventory   InventoryConfig
	Cache       CacheConfig
	Reprice     RepriceConfig
	Graceful    GracefulConfig
}

// RedisConfig enables the distributed per-order lock. Without an address
// orders are locked in process only.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address; empty uses in-process locks" flag:"redis-addr"`
	Password string        `default:"" usage:"Redis password" flag:"redis-password"`
	DB       int           `default:"0" usage:"Redis database" flag:"redis-db"`
	LockTTL  time.Duration `default:"30s" usage:"Order lock expiry" flag:"lock-ttl"`
}

// PricingConfig describes the sales channel.
type PricingConfig struct {
	PricesIncludeTax bool   `default:"false" usage:"Variant prices are gross in the default tax zone" flag:"prices-include-tax"`
	DefaultTaxZoneID string `default:"" usage:"Tax zone used when an order has no address" flag:"default-tax-zone"`
	RequireShipping  bool   `default:"true" usage:"Deny checkout without a shipping method" flag:"require-shipping"`
}

// InventoryConfig bounds stock checks.
type InventoryConfig struct {
	Timeout time.Duration `default:"2s" usage:"Timeout of a single stock availability check" flag:"inventory-timeout"`
}

// CacheConfig controls the tax and promotion snapshot refresh.
type CacheConfig struct {
	RefreshInterval time.Duration `default:"5m" usage:"Periodic cache rebuild, on top of change notifications" flag:"cache-refresh"`
	MaxAge          time.Duration `default:"15m" usage:"Snapshot age after which readiness fails" flag:"cache-max-age"`
}

// RepriceConfig controls re-pricing of open orders after catalog changes.
type RepriceConfig struct {
	Concurrency int `default:"8" usage:"Orders repriced in parallel" flag:"reprice-concurrency"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERCORE",
		Files:     []string{"config.yaml", "/etc/order-core/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set ORDERCORE_DATABASE_URL or DATABASE_URL")
	case c.Reprice.Concurrency < 1:
		return errors.Errorf("reprice concurrency must be positive, got %d", c.Reprice.Concurrency)
	case c.Inventory.Timeout <= 0:
		return errors.Errorf("inventory timeout must be positive, got %s", c.Inventory.Timeout)
	case c.Cache.RefreshInterval <= 0 || c.Cache.MaxAge < c.Cache.RefreshInterval:
		return errors.Errorf("cache max age %s must not be below refresh interval %s", c.Cache.MaxAge, c.Cache.RefreshInterval)
	}
	return nil
}
