// Command seed-db loads a catalog file (tax zones and rates, shipping
// methods, variants with stock, promotions) into the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-order-core/internal/domain/product"
	"github.com/xenking/kart-order-core/internal/domain/promotion"
	"github.com/xenking/kart-order-core/internal/domain/shipping"
	"github.com/xenking/kart-order-core/internal/domain/tax"
	"github.com/xenking/kart-order-core/internal/storage/postgres"
)

type catalog struct {
	Zones           []tax.Zone            `json:"zones"`
	Categories      []tax.Category        `json:"categories"`
	Rates           []tax.Rate            `json:"rates"`
	ShippingMethods []shipping.Method     `json:"shippingMethods"`
	Variants        []variantJSON         `json:"variants"`
	Promotions      []promotion.Promotion `json:"promotions"`
}

type variantJSON struct {
	ID            string   `json:"id"`
	ProductID     string   `json:"productId"`
	SKU           string   `json:"sku"`
	Name          string   `json:"name"`
	Price         int64    `json:"price"`
	TaxCategoryID string   `json:"taxCategoryId"`
	FacetValueIDs []string `json:"facetValueIds"`
	Enabled       bool     `json:"enabled"`
	// Stock is the on-hand quantity; absent means untracked.
	Stock *int `json:"stock"`
}

func (v variantJSON) variant() product.Variant {
	return product.Variant{
		ID:            v.ID,
		ProductID:     v.ProductID,
		SKU:           v.SKU,
		Name:          v.Name,
		Price:         v.Price,
		TaxCategoryID: v.TaxCategoryID,
		FacetValueIDs: v.FacetValueIDs,
		Enabled:       v.Enabled,
	}
}

func main() {
	var (
		databaseURL string
		catalogFile string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog", "db/seed/catalog.json", "path to the catalog JSON file")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, catalogFile); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, catalogFile string) error {
	c, err := loadCatalog(catalogFile)
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := postgres.NewTaxRepository(pool).Upsert(ctx, c.Zones, c.Categories, c.Rates); err != nil {
		return errors.Wrap(err, "seed tax configuration")
	}
	lg.Info("Seeded tax configuration",
		zap.Int("zones", len(c.Zones)),
		zap.Int("categories", len(c.Categories)),
		zap.Int("rates", len(c.Rates)),
	)

	if err := postgres.NewShippingRepository(pool).UpsertMethods(ctx, c.ShippingMethods); err != nil {
		return errors.Wrap(err, "seed shipping methods")
	}
	lg.Info("Seeded shipping methods", zap.Int("count", len(c.ShippingMethods)))

	variants := make([]product.Variant, 0, len(c.Variants))
	for _, v := range c.Variants {
		variants = append(variants, v.variant())
	}
	if err := postgres.NewVariantRepository(pool).UpsertVariants(ctx, variants); err != nil {
		return errors.Wrap(err, "seed variants")
	}
	stock := postgres.NewStockRepository(pool)
	for _, v := range c.Variants {
		if v.Stock == nil {
			continue
		}
		if err := stock.SetStockLevel(ctx, v.ID, *v.Stock); err != nil {
			return errors.Wrap(err, "seed stock")
		}
	}
	lg.Info("Seeded variants", zap.Int("count", len(variants)))

	if err := postgres.NewPromotionRepository(pool).UpsertPromotions(ctx, c.Promotions); err != nil {
		return errors.Wrap(err, "seed promotions")
	}
	for _, p := range c.Promotions {
		lg.Info("Seeded promotion", zap.String("id", p.ID), zap.String("coupon_code", p.CouponCode))
	}
	return nil
}

// loadCatalog reads the catalog file and rejects promotions the default
// registry cannot run.
func loadCatalog(path string) (*catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}
	var c catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse catalog")
	}

	registry := promotion.DefaultRegistry()
	for _, p := range c.Promotions {
		if err := registry.Validate(p); err != nil {
			return nil, errors.Wrapf(err, "promotion %q", p.ID)
		}
	}
	return &c, nil
}
