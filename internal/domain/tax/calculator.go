package tax

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-order-core/internal/domain/money"
)

// Lookup resolves rates and zones. Both *Cache and *Snapshot implement it.
type Lookup interface {
	Resolve(zoneID, categoryID string, groups ...string) Rate
	ZoneForCountry(country string) (string, bool)
}

// Channel holds the pricing settings of the sales channel.
type Channel struct {
	// PricesIncludeTax marks list prices as gross amounts relative to
	// DefaultTaxZoneID.
	PricesIncludeTax bool
	DefaultTaxZoneID string
}

// PriceCalculation is the result of pricing one input amount.
type PriceCalculation struct {
	Price            int64
	PriceWithTax     int64
	PriceWithoutTax  int64
	PriceIncludesTax bool
	// Rate is the rate of the active zone, used for every downstream amount.
	Rate Rate
	// Net is the unrounded net reference price. Downstream amounts are
	// derived from it so that rounding happens only once per amount.
	Net decimal.Decimal
}

// Calculator converts list prices into net and gross amounts.
type Calculator struct {
	lookup  Lookup
	channel Channel
}

// NewCalculator creates a Calculator for the given channel.
func NewCalculator(lookup Lookup, channel Channel) *Calculator {
	return &Calculator{lookup: lookup, channel: channel}
}

// Channel returns the channel settings.
func (c *Calculator) Channel() Channel {
	return c.channel
}

// Rate resolves the rate for a zone and category.
func (c *Calculator) Rate(zoneID, categoryID string, groups ...string) Rate {
	return c.lookup.Resolve(zoneID, categoryID, groups...)
}

// ActiveZone picks the zone of the first country that belongs to a zone,
// falling back to the channel default zone. Callers pass the shipping
// country before the billing country.
func (c *Calculator) ActiveZone(countries ...string) string {
	for _, country := range countries {
		if country == "" {
			continue
		}
		if id, ok := c.lookup.ZoneForCountry(country); ok {
			return id
		}
	}
	return c.channel.DefaultTaxZoneID
}

// Calculate prices inputPrice for the active zone.
//
// Tax-inclusive list prices are always relative to the channel default zone:
// when the active zone differs, the default-zone tax is stripped first and the
// active zone's rate is applied to the resulting net price.
func (c *Calculator) Calculate(inputPrice int64, categoryID, activeZoneID string, groups ...string) PriceCalculation {
	return c.CalculateFor(inputPrice, c.channel.PricesIncludeTax, categoryID, activeZoneID, groups...)
}

// CalculateFor is Calculate for an amount whose tax inclusion is given
// explicitly, such as a shipping quote.
func (c *Calculator) CalculateFor(inputPrice int64, includesTax bool, categoryID, activeZoneID string, groups ...string) PriceCalculation {
	input := money.Dec(inputPrice)
	rate := c.lookup.Resolve(activeZoneID, categoryID, groups...)

	if !includesTax {
		return PriceCalculation{
			Price:            inputPrice,
			PriceWithTax:     money.Round(rate.GrossPriceOf(input)),
			PriceWithoutTax:  inputPrice,
			PriceIncludesTax: false,
			Rate:             rate,
			Net:              input,
		}
	}

	if activeZoneID == c.channel.DefaultTaxZoneID {
		net := rate.NetPriceOf(input)
		return PriceCalculation{
			Price:            inputPrice,
			PriceWithTax:     inputPrice,
			PriceWithoutTax:  money.Round(net),
			PriceIncludesTax: true,
			Rate:             rate,
			Net:              net,
		}
	}

	defaultRate := c.lookup.Resolve(c.channel.DefaultTaxZoneID, categoryID, groups...)
	net := defaultRate.NetPriceOf(input)
	price := money.Round(net)
	return PriceCalculation{
		Price:            price,
		PriceWithTax:     money.Round(rate.GrossPriceOf(net)),
		PriceWithoutTax:  price,
		PriceIncludesTax: false,
		Rate:             rate,
		Net:              net,
	}
}

// GrossOf adds rate to an unrounded net amount and rounds once.
func GrossOf(rate Rate, net decimal.Decimal) int64 {
	return money.Round(rate.GrossPriceOf(net))
}
