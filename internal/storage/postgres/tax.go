package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-order-core/internal/domain/tax"
)

const (
	listRatesSQL = `SELECT id, name, value, zone_id, category_id, customer_group_id, enabled
		FROM tax_rates ORDER BY id`

	listZonesSQL = `SELECT id, name, members FROM zones ORDER BY id`

	listCategoriesSQL = `SELECT id, name, is_default FROM tax_categories ORDER BY id`

	upsertZoneSQL = `INSERT INTO zones (id, name, members) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, members = EXCLUDED.members`

	upsertCategorySQL = `INSERT INTO tax_categories (id, name, is_default) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_default = EXCLUDED.is_default`

	upsertRateSQL = `INSERT INTO tax_rates (id, name, value, zone_id, category_id, customer_group_id, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			value = EXCLUDED.value,
			zone_id = EXCLUDED.zone_id,
			category_id = EXCLUDED.category_id,
			customer_group_id = EXCLUDED.customer_group_id,
			enabled = EXCLUDED.enabled`
)

var _ tax.Source = (*TaxRepository)(nil)

// TaxRepository stores zones, tax categories and tax rates.
type TaxRepository struct {
	pool *pgxpool.Pool
}

// NewTaxRepository returns a TaxRepository that uses the given pool.
func NewTaxRepository(pool *pgxpool.Pool) *TaxRepository {
	return &TaxRepository{pool: pool}
}

func (r *TaxRepository) ListRates(ctx context.Context) ([]tax.Rate, error) {
	rows, err := r.pool.Query(ctx, listRatesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list tax rates")
	}
	rates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tax.Rate, error) {
		var rt tax.Rate
		err := row.Scan(&rt.ID, &rt.Name, &rt.Value, &rt.ZoneID, &rt.CategoryID, &rt.CustomerGroupID, &rt.Enabled)
		return rt, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list tax rates")
	}
	return rates, nil
}

func (r *TaxRepository) ListZones(ctx context.Context) ([]tax.Zone, error) {
	rows, err := r.pool.Query(ctx, listZonesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list zones")
	}
	zones, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tax.Zone, error) {
		var z tax.Zone
		err := row.Scan(&z.ID, &z.Name, &z.Members)
		return z, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list zones")
	}
	return zones, nil
}

func (r *TaxRepository) ListCategories(ctx context.Context) ([]tax.Category, error) {
	rows, err := r.pool.Query(ctx, listCategoriesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list tax categories")
	}
	categories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tax.Category, error) {
		var c tax.Category
		err := row.Scan(&c.ID, &c.Name, &c.IsDefault)
		return c, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list tax categories")
	}
	return categories, nil
}

// Upsert writes zones, categories and rates in one transaction, in that
// order so rate foreign keys resolve.
func (r *TaxRepository) Upsert(ctx context.Context, zones []tax.Zone, categories []tax.Category, rates []tax.Rate) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, z := range zones {
			members := z.Members
			if members == nil {
				members = []string{}
			}
			if _, err := tx.Exec(ctx, upsertZoneSQL, z.ID, z.Name, members); err != nil {
				return errors.Wrapf(err, "upsert zone %q", z.ID)
			}
		}
		for _, c := range categories {
			if _, err := tx.Exec(ctx, upsertCategorySQL, c.ID, c.Name, c.IsDefault); err != nil {
				return errors.Wrapf(err, "upsert tax category %q", c.ID)
			}
		}
		for _, rt := range rates {
			if _, err := tx.Exec(ctx, upsertRateSQL,
				rt.ID, rt.Name, rt.Value, rt.ZoneID, rt.CategoryID, rt.CustomerGroupID, rt.Enabled,
			); err != nil {
				return errors.Wrapf(err, "upsert tax rate %q", rt.ID)
			}
		}
		return nil
	})
}
