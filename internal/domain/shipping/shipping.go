// Package shipping provides shipping methods and the calculators that price
// them.
package shipping

import (
	"context"
	"slices"
	"strings"

	"github.com/go-faster/errors"
)

// Calculator codes.
const (
	CalculatorFlatRate          = "flat_rate"
	CalculatorFreeOverThreshold = "free_over_threshold"
	CalculatorPerItem           = "per_item"
)

var (
	// ErrMethodNotFound is returned for an unknown or disabled method.
	ErrMethodNotFound = errors.New("shipping method not found")
	// ErrNotEligible is returned when a method does not serve the order.
	ErrNotEligible = errors.New("shipping method not eligible")
	// ErrUnknownCalculator is returned when a method references a calculator
	// that is not registered.
	ErrUnknownCalculator = errors.New("unknown shipping calculator")
)

// Method is a configured shipping method.
type Method struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	// Calculator selects how Price is applied.
	Calculator       string `json:"calculator"`
	Price            int64  `json:"price"`
	PriceIncludesTax bool   `json:"priceIncludesTax"`
	// FreeOver is the gross subtotal from which free_over_threshold is free.
	FreeOver      int64  `json:"freeOver,omitempty"`
	TaxCategoryID string `json:"taxCategoryId"`
	// Countries restricts the method to shipping countries. Empty means all.
	Countries []string `json:"countries,omitempty"`
}

// Serves reports whether the method ships to country.
func (m Method) Serves(country string) bool {
	if len(m.Countries) == 0 {
		return true
	}
	return slices.ContainsFunc(m.Countries, func(c string) bool {
		return strings.EqualFold(c, country)
	})
}

// Context is what a calculator knows about the order being shipped.
type Context struct {
	SubTotal        int64
	SubTotalWithTax int64
	TotalQuantity   int
	Country         string
}

// Quote is a calculator result. Price is net or gross per PriceIncludesTax.
type Quote struct {
	Price            int64
	PriceIncludesTax bool
	TaxCategoryID    string
}

// CalculatorFunc prices a method for an order.
type CalculatorFunc func(m Method, sc Context) int64

// Source loads shipping methods.
type Source interface {
	ListMethods(ctx context.Context) ([]Method, error)
}

// Provider lists eligible methods and quotes them.
type Provider struct {
	source      Source
	calculators map[string]CalculatorFunc
}

// NewProvider creates a Provider with the built-in calculators.
func NewProvider(source Source) *Provider {
	p := &Provider{
		source:      source,
		calculators: make(map[string]CalculatorFunc),
	}
	p.RegisterCalculator(CalculatorFlatRate, func(m Method, _ Context) int64 {
		return m.Price
	})
	p.RegisterCalculator(CalculatorFreeOverThreshold, func(m Method, sc Context) int64 {
		if m.FreeOver > 0 && sc.SubTotalWithTax >= m.FreeOver {
			return 0
		}
		return m.Price
	})
	p.RegisterCalculator(CalculatorPerItem, func(m Method, sc Context) int64 {
		return m.Price * int64(sc.TotalQuantity)
	})
	return p
}

// RegisterCalculator adds or replaces a calculator.
func (p *Provider) RegisterCalculator(code string, fn CalculatorFunc) {
	p.calculators[code] = fn
}

// Eligible returns the enabled methods serving the order's country.
func (p *Provider) Eligible(ctx context.Context, sc Context) ([]Method, error) {
	methods, err := p.source.ListMethods(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list shipping methods")
	}
	var out []Method
	for _, m := range methods {
		if !m.Enabled || !m.Serves(sc.Country) {
			continue
		}
		if _, ok := p.calculators[m.Calculator]; !ok {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Quote prices methodID for the order.
func (p *Provider) Quote(ctx context.Context, methodID string, sc Context) (Quote, error) {
	methods, err := p.source.ListMethods(ctx)
	if err != nil {
		return Quote{}, errors.Wrap(err, "list shipping methods")
	}
	idx := slices.IndexFunc(methods, func(m Method) bool { return m.ID == methodID })
	if idx < 0 || !methods[idx].Enabled {
		return Quote{}, errors.Wrapf(ErrMethodNotFound, "method %q", methodID)
	}
	m := methods[idx]
	if sc.Country != "" && !m.Serves(sc.Country) {
		return Quote{}, errors.Wrapf(ErrNotEligible, "method %q does not ship to %s", methodID, sc.Country)
	}
	calc, ok := p.calculators[m.Calculator]
	if !ok {
		return Quote{}, errors.Wrapf(ErrUnknownCalculator, "method %q: %q", methodID, m.Calculator)
	}
	return Quote{
		Price:            max(calc(m, sc), 0),
		PriceIncludesTax: m.PriceIncludesTax,
		TaxCategoryID:    m.TaxCategoryID,
	}, nil
}
