package product

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a requested variant does not exist.
var ErrNotFound = errors.New("product variant not found")

// Variant is a purchasable product variant.
type Variant struct {
	ID        string
	ProductID string
	SKU       string
	Name      string
	// Price is the list price in minor units, gross when the channel prices
	// include tax.
	Price         int64
	TaxCategoryID string
	FacetValueIDs []string
	Enabled       bool
}

// Repository defines read operations for the variant catalog.
type Repository interface {
	GetVariant(ctx context.Context, id string) (*Variant, error)
	GetVariants(ctx context.Context, ids []string) ([]Variant, error)
}
