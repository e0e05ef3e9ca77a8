//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/kart-order-core/internal/domain/order"
	"github.com/xenking/kart-order-core/internal/domain/product"
	"github.com/xenking/kart-order-core/internal/domain/promotion"
	"github.com/xenking/kart-order-core/internal/domain/shipping"
	"github.com/xenking/kart-order-core/internal/domain/tax"
	"github.com/xenking/kart-order-core/internal/storage/postgres"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("orders"),
		tcpostgres.WithUsername("orders"),
		tcpostgres.WithPassword("orders"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		panic(err)
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		panic(err)
	}
	testPool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		panic(err)
	}
	defer testPool.Close()

	if err := postgres.RunMigrations(ctx, testPool); err != nil {
		panic(err)
	}
	// Migrations are idempotent.
	if err := postgres.RunMigrations(ctx, testPool); err != nil {
		panic(err)
	}
	return m.Run()
}

// --- Helpers ---

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedCatalog(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, postgres.NewTaxRepository(testPool).Upsert(ctx,
		[]tax.Zone{{ID: "eu", Name: "Europe", Members: []string{"DE", "FR"}}},
		[]tax.Category{{ID: "standard", Name: "Standard", IsDefault: true}},
		[]tax.Rate{{ID: "eu-standard", Name: "EU VAT", Value: decimal.RequireFromString("20"), ZoneID: "eu", CategoryID: "standard", Enabled: true}},
	))
	require.NoError(t, postgres.NewVariantRepository(testPool).UpsertVariants(ctx, []product.Variant{
		{ID: "v1", ProductID: "p1", SKU: "KART-1", Name: "Kart", Price: 1000, TaxCategoryID: "standard", FacetValueIDs: []string{"karts"}, Enabled: true},
		{ID: "v2", ProductID: "p2", Name: "Helmet", Price: 500, TaxCategoryID: "standard", Enabled: true},
	}))
}

func newOrder(id, customerID string) *order.Order {
	return &order.Order{
		ID:           id,
		Code:         "CODE-" + id,
		State:        order.AddingItems,
		Active:       true,
		CurrencyCode: "EUR",
		CustomerID:   customerID,
		Lines: []order.Line{{
			ID:       "l1",
			Variant:  &order.VariantSnapshot{ID: "v1", Name: "Kart", Price: 1000, TaxCategoryID: "standard"},
			Quantity: 2,
		}},
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

// --- Tests ---

func TestOrderRepository(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(testPool)

	o := newOrder("order-repo-1", "cust-repo")
	require.NoError(t, repo.Create(ctx, o))

	loaded, err := repo.Load(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Code, loaded.Code)
	assert.Equal(t, int64(0), loaded.Version)
	require.Len(t, loaded.Lines, 1)
	assert.Equal(t, 2, loaded.Lines[0].Quantity)
	assert.True(t, loaded.CreatedAt.Equal(testTime))

	loaded.Lines[0].Quantity = 3
	require.NoError(t, repo.Save(ctx, loaded))
	assert.Equal(t, int64(1), loaded.Version)

	stale := *loaded
	stale.Version = 0
	assert.ErrorIs(t, repo.Save(ctx, &stale), order.ErrVersionConflict)

	again, err := repo.Load(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version)
	assert.Equal(t, 3, again.Lines[0].Quantity)

	require.NoError(t, repo.Delete(ctx, o.ID))
	_, err = repo.Load(ctx, o.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)
	assert.ErrorIs(t, repo.Save(ctx, again), order.ErrNotFound)
}

func TestOrderRepository_Active(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(testPool)

	older := newOrder("order-active-1", "cust-active")
	newer := newOrder("order-active-2", "cust-active")
	newer.UpdatedAt = testTime.Add(time.Minute)
	placed := newOrder("order-active-3", "cust-active")
	placed.State = order.PaymentSettled
	placed.Active = false
	placed.UpdatedAt = testTime.Add(time.Hour)
	for _, o := range []*order.Order{older, newer, placed} {
		require.NoError(t, repo.Create(ctx, o))
	}

	found, err := repo.FindActiveByCustomer(ctx, "cust-active")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, found.ID)

	_, err = repo.FindActiveByCustomer(ctx, "cust-nobody")
	assert.ErrorIs(t, err, order.ErrNotFound)

	ids, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, older.ID)
	assert.Contains(t, ids, newer.ID)
	assert.NotContains(t, ids, placed.ID)
}

func TestPromotionRepository(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewPromotionRepository(testPool)

	starts := testTime
	p := promotion.Promotion{
		ID:         "promo-repo",
		Name:       "Spring sale",
		Enabled:    true,
		CouponCode: "SPRING",
		Conditions: []promotion.Operation{{Code: "minimum_order_amount", Args: promotion.Args{{Name: "amount", Value: "1000"}}}},
		Actions:    []promotion.Operation{{Code: "order_percentage_discount", Args: promotion.Args{{Name: "discount", Value: "10"}}}},
		StartsAt:   &starts,
		UsageLimit: 5,
		CreatedAt:  testTime,
	}
	require.NoError(t, repo.UpsertPromotions(ctx, []promotion.Promotion{p}))

	list, err := repo.ListPromotions(ctx)
	require.NoError(t, err)
	var got *promotion.Promotion
	for i := range list {
		if list[i].ID == p.ID {
			got = &list[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, p.Conditions, got.Conditions)
	assert.Equal(t, p.Actions, got.Actions)
	assert.Equal(t, "SPRING", got.CouponCode)
	require.NotNil(t, got.StartsAt)
	assert.True(t, got.StartsAt.Equal(starts))
	assert.Nil(t, got.EndsAt)

	require.NoError(t, repo.RecordUsage(ctx, p.ID, "order-a", "cust-1"))
	require.NoError(t, repo.RecordUsage(ctx, p.ID, "order-a", "cust-1"))
	require.NoError(t, repo.RecordUsage(ctx, p.ID, "order-b", "cust-2"))
	require.NoError(t, repo.RecordUsage(ctx, p.ID, "order-c", ""))

	perCustomer, total, err := repo.CountUsage(ctx, p.ID, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 1, perCustomer)
	assert.Equal(t, 3, total)

	perCustomer, _, err = repo.CountUsage(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Zero(t, perCustomer)

	require.NoError(t, repo.DeletePromotion(ctx, p.ID))
	list, err = repo.ListPromotions(ctx)
	require.NoError(t, err)
	for _, l := range list {
		assert.NotEqual(t, p.ID, l.ID)
	}
}

func TestTaxRepository(t *testing.T) {
	seedCatalog(t)
	ctx := context.Background()
	repo := postgres.NewTaxRepository(testPool)

	cache := tax.NewCache(repo)
	require.NoError(t, cache.Invalidate(ctx))
	zoneID, ok := cache.ZoneForCountry("fr")
	require.True(t, ok)
	assert.Equal(t, "eu-standard", cache.Resolve(zoneID, "standard").ID)

	rates, err := repo.ListRates(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rates)
	assert.True(t, rates[0].Value.Equal(decimal.RequireFromString("20")))

	zones, err := repo.ListZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"DE", "FR"}, zones[0].Members)

	categories, err := repo.ListCategories(ctx)
	require.NoError(t, err)
	assert.True(t, categories[0].IsDefault)
}

func TestShippingRepository(t *testing.T) {
	seedCatalog(t)
	ctx := context.Background()
	repo := postgres.NewShippingRepository(testPool)

	require.NoError(t, repo.UpsertMethods(ctx, []shipping.Method{
		{ID: "express", Code: "express", Name: "Express", Enabled: true, Calculator: shipping.CalculatorFlatRate, Price: 1500, TaxCategoryID: "standard", Countries: []string{"DE"}},
		{ID: "standard", Code: "standard", Name: "Standard", Enabled: true, Calculator: shipping.CalculatorFreeOverThreshold, Price: 500, FreeOver: 5000, TaxCategoryID: "standard"},
	}))

	methods, err := repo.ListMethods(ctx)
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.Equal(t, "standard", methods[0].ID)
	assert.Empty(t, methods[0].Countries)
	assert.Equal(t, []string{"DE"}, methods[1].Countries)

	quote, err := shipping.NewProvider(repo).Quote(ctx, "standard", shipping.Context{SubTotalWithTax: 6000, Country: "FR"})
	require.NoError(t, err)
	assert.Zero(t, quote.Price)
}

func TestVariantRepository(t *testing.T) {
	seedCatalog(t)
	ctx := context.Background()
	repo := postgres.NewVariantRepository(testPool)

	v, err := repo.GetVariant(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"karts"}, v.FacetValueIDs)
	assert.Equal(t, int64(1000), v.Price)

	_, err = repo.GetVariant(ctx, "missing")
	assert.ErrorIs(t, err, product.ErrNotFound)

	vs, err := repo.GetVariants(ctx, []string{"v2", "v1", "missing"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "v1", vs[0].ID)
	assert.Empty(t, vs[1].FacetValueIDs)
}

func TestStockRepository(t *testing.T) {
	seedCatalog(t)
	ctx := context.Background()
	repo := postgres.NewStockRepository(testPool)
	require.NoError(t, repo.SetStockLevel(ctx, "v1", 5))

	ok, err := repo.CheckAvailability(ctx, "v1", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CheckAvailability(ctx, "v2", 1000)
	require.NoError(t, err)
	assert.True(t, ok, "untracked variants are always available")

	lines := []order.StockLine{{VariantID: "v1", Quantity: 3}, {VariantID: "v2", Quantity: 10}}
	require.NoError(t, repo.Allocate(ctx, "order-stock-1", lines))
	require.NoError(t, repo.Allocate(ctx, "order-stock-1", lines), "reallocating replaces the earlier allocation")

	ok, err = repo.CheckAvailability(ctx, "v1", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	err = repo.Allocate(ctx, "order-stock-2", []order.StockLine{{VariantID: "v1", Quantity: 3}})
	assert.ErrorIs(t, err, postgres.ErrInsufficientStock)

	require.NoError(t, repo.Release(ctx, "order-stock-1"))
	require.NoError(t, repo.Release(ctx, "order-stock-1"))

	ok, err = repo.CheckAvailability(ctx, "v1", 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	promotions := make(chan struct{}, 8)
	l := postgres.NewListener(testPool, zaptest.NewLogger(t))
	l.Handle(postgres.TopicPromotions, func(context.Context) { promotions <- struct{}{} })

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// One call on connect.
	select {
	case <-promotions:
	case <-ctx.Done():
		t.Fatal("listener did not start")
	}

	require.NoError(t, postgres.NewPromotionRepository(testPool).UpsertPromotions(ctx, []promotion.Promotion{
		{ID: "promo-notify", Name: "Notify", Enabled: true},
	}))

	select {
	case <-promotions:
	case <-ctx.Done():
		t.Fatal("no notification after promotion change")
	}

	cancel()
	assert.NoError(t, <-done)
}
