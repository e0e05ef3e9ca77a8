// Package tax resolves tax rates by zone and category and turns list prices
// into net/gross price pairs.
package tax

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-order-core/internal/domain/money"
)

// Rate is a flat percentage tax applied to a category of goods within a zone,
// optionally restricted to a customer group.
type Rate struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Value           decimal.Decimal `json:"value"`
	ZoneID          string          `json:"zoneId"`
	CategoryID      string          `json:"categoryId"`
	CustomerGroupID string          `json:"customerGroupId,omitempty"`
	Enabled         bool            `json:"enabled"`
}

// ZeroRate is returned when no configured rate matches. A missing rate is a
// zero-tax policy, not an error.
var ZeroRate = Rate{Name: "No configured tax rate", Value: decimal.Zero, Enabled: true}

// IsZero reports whether the rate charges no tax.
func (r Rate) IsZero() bool {
	return r.Value.IsZero()
}

// TaxPayableOn returns the unrounded tax due on a net amount.
func (r Rate) TaxPayableOn(net decimal.Decimal) decimal.Decimal {
	return money.Percent(net, r.Value)
}

// NetPriceOf strips this rate from a gross amount, unrounded.
func (r Rate) NetPriceOf(gross decimal.Decimal) decimal.Decimal {
	return gross.Div(money.Factor(r.Value))
}

// GrossPriceOf adds this rate to a net amount, unrounded.
func (r Rate) GrossPriceOf(net decimal.Decimal) decimal.Decimal {
	return net.Add(r.TaxPayableOn(net))
}

// Line describes the tax rate contributing to a priced line.
func (r Rate) Line() Line {
	return Line{Description: r.Name, Rate: r.Value}
}

// Line is one distinct tax rate applied to an order line, shipping line or
// surcharge.
type Line struct {
	Description string          `json:"description"`
	Rate        decimal.Decimal `json:"taxRate"`
}

// Zone is a geographic grouping of countries used to select tax rates.
type Zone struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Category classifies products and shipping for rate selection.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// Source loads the tax configuration backing the cache.
type Source interface {
	ListRates(ctx context.Context) ([]Rate, error)
	ListZones(ctx context.Context) ([]Zone, error)
	ListCategories(ctx context.Context) ([]Category, error)
}
