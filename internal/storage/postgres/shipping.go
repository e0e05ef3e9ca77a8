package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-order-core/internal/domain/shipping"
)

const (
	listMethodsSQL = `SELECT id, code, name, enabled, calculator, price, price_includes_tax, free_over,
			tax_category_id, countries
		FROM shipping_methods ORDER BY price, id`

	upsertMethodSQL = `INSERT INTO shipping_methods (id, code, name, enabled, calculator, price,
			price_includes_tax, free_over, tax_category_id, countries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			calculator = EXCLUDED.calculator,
			price = EXCLUDED.price,
			price_includes_tax = EXCLUDED.price_includes_tax,
			free_over = EXCLUDED.free_over,
			tax_category_id = EXCLUDED.tax_category_id,
			countries = EXCLUDED.countries`
)

var _ shipping.Source = (*ShippingRepository)(nil)

// ShippingRepository stores shipping methods.
type ShippingRepository struct {
	pool *pgxpool.Pool
}

// NewShippingRepository returns a ShippingRepository that uses the given pool.
func NewShippingRepository(pool *pgxpool.Pool) *ShippingRepository {
	return &ShippingRepository{pool: pool}
}

// ListMethods returns every shipping method, cheapest first.
func (r *ShippingRepository) ListMethods(ctx context.Context) ([]shipping.Method, error) {
	rows, err := r.pool.Query(ctx, listMethodsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list shipping methods")
	}
	methods, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (shipping.Method, error) {
		var m shipping.Method
		err := row.Scan(&m.ID, &m.Code, &m.Name, &m.Enabled, &m.Calculator, &m.Price,
			&m.PriceIncludesTax, &m.FreeOver, &m.TaxCategoryID, &m.Countries)
		return m, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list shipping methods")
	}
	return methods, nil
}

// UpsertMethods inserts or replaces shipping methods.
func (r *ShippingRepository) UpsertMethods(ctx context.Context, methods []shipping.Method) error {
	batch := &pgx.Batch{}
	for _, m := range methods {
		countries := m.Countries
		if countries == nil {
			countries = []string{}
		}
		batch.Queue(upsertMethodSQL, m.ID, m.Code, m.Name, m.Enabled, m.Calculator, m.Price,
			m.PriceIncludesTax, m.FreeOver, m.TaxCategoryID, countries)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert shipping methods")
	}
	return nil
}
