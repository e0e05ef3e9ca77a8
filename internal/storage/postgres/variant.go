package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-order-core/internal/domain/product"
)

const (
	variantColumns = `id, product_id, sku, name, price, tax_category_id, facet_value_ids, enabled`

	getVariantSQL = `SELECT ` + variantColumns + ` FROM product_variants WHERE id = $1`

	getVariantsSQL = `SELECT ` + variantColumns + ` FROM product_variants WHERE id = ANY($1) ORDER BY id`

	upsertVariantSQL = `INSERT INTO product_variants (` + variantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			tax_category_id = EXCLUDED.tax_category_id,
			facet_value_ids = EXCLUDED.facet_value_ids,
			enabled = EXCLUDED.enabled`
)

var _ product.Repository = (*VariantRepository)(nil)

// VariantRepository implements product.Repository backed by PostgreSQL.
type VariantRepository struct {
	pool *pgxpool.Pool
}

// NewVariantRepository returns a VariantRepository that uses the given pool.
func NewVariantRepository(pool *pgxpool.Pool) *VariantRepository {
	return &VariantRepository{pool: pool}
}

// GetVariant returns product.ErrNotFound for an unknown id.
func (r *VariantRepository) GetVariant(ctx context.Context, id string) (*product.Variant, error) {
	rows, err := r.pool.Query(ctx, getVariantSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get variant %q", id)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get variant %q", id)
	}
	return &v, nil
}

// GetVariants returns the variants matching ids. Unknown ids are skipped.
func (r *VariantRepository) GetVariants(ctx context.Context, ids []string) ([]product.Variant, error) {
	rows, err := r.pool.Query(ctx, getVariantsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get variants")
	}
	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, errors.Wrap(err, "get variants")
	}
	return variants, nil
}

// UpsertVariants inserts or replaces variants.
func (r *VariantRepository) UpsertVariants(ctx context.Context, variants []product.Variant) error {
	batch := &pgx.Batch{}
	for _, v := range variants {
		facets := v.FacetValueIDs
		if facets == nil {
			facets = []string{}
		}
		batch.Queue(upsertVariantSQL, v.ID, v.ProductID, v.SKU, v.Name, v.Price, v.TaxCategoryID, facets, v.Enabled)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert variants")
	}
	return nil
}

func scanVariant(row pgx.CollectableRow) (product.Variant, error) {
	var v product.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Price, &v.TaxCategoryID, &v.FacetValueIDs, &v.Enabled)
	return v, err
}
