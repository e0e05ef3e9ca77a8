package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-order-core/internal/domain/promotion"
)

// CouponValidator checks a coupon code before it is added to an order.
// *promotion.Engine implements it.
type CouponValidator interface {
	ValidateCouponCode(ctx context.Context, code, customerID string) (promotion.Promotion, error)
}

var _ CouponValidator = (*promotion.Engine)(nil)

// AddLineInput adds quantity of a variant.
type AddLineInput struct {
	Variant  VariantSnapshot
	Quantity int
}

// AdjustLineInput sets the quantity of an existing line.
type AdjustLineInput struct {
	LineID   string
	Quantity int
}

// SurchargeInput describes a surcharge to add.
type SurchargeInput struct {
	Description      string
	SKU              string
	Price            int64
	PriceIncludesTax bool
	TaxRate          *decimal.Decimal
}

// ModifyInput is one amendment of a placed order.
type ModifyInput struct {
	AddLines           []AddLineInput
	AdjustLines        []AdjustLineInput
	AddSurcharges      []SurchargeInput
	RemoveSurchargeIDs []string
	AddCouponCodes     []string
	RemoveCouponCodes  []string
	Note               string
	// DryRun computes the result without requiring a refund payment.
	DryRun bool
	// RefundPaymentID is the payment a price decrease is refunded against.
	RefundPaymentID string
}

func (in ModifyInput) empty() bool {
	return len(in.AddLines) == 0 &&
		len(in.AdjustLines) == 0 &&
		len(in.AddSurcharges) == 0 &&
		len(in.RemoveSurchargeIDs) == 0 &&
		len(in.AddCouponCodes) == 0 &&
		len(in.RemoveCouponCodes) == 0 &&
		in.Note == ""
}

// Modifier amends orders in the Modifying state.
type Modifier struct {
	calc    *Calculator
	coupons CouponValidator
	now     func() time.Time
	newID   func() string
}

// NewModifier creates a Modifier. coupons may be nil, in which case added
// codes are not validated.
func NewModifier(calc *Calculator, coupons CouponValidator) *Modifier {
	return &Modifier{calc: calc, coupons: coupons, now: time.Now, newID: uuid.NewString}
}

// Modify applies in to a copy of o, reprices it and records the
// modification. A price decrease creates a pending refund; a price increase
// leaves the modification waiting for additional payment.
func (m *Modifier) Modify(ctx context.Context, o *Order, in ModifyInput) (*Order, *Modification, error) {
	if o.State != Modifying {
		return nil, nil, &OrderModificationError{OrderID: o.ID, State: o.State}
	}
	if in.empty() {
		return nil, nil, ErrNoChanges
	}

	out := o.Clone()
	mod := Modification{ID: m.newID(), Note: in.Note, CreatedAt: m.now()}

	for _, add := range in.AddLines {
		if add.Quantity < 0 {
			return nil, nil, &NegativeQuantityError{Field: "quantity", Value: int64(add.Quantity)}
		}
		if add.Quantity == 0 {
			continue
		}
		if l, ok := out.LineForVariant(add.Variant.ID); ok {
			l.Quantity += add.Quantity
			mod.LineChanges = append(mod.LineChanges, LineChange{LineID: l.ID, VariantID: add.Variant.ID, QuantityDelta: add.Quantity})
			continue
		}
		v := add.Variant
		v.FacetValueIDs = slices.Clone(v.FacetValueIDs)
		id := m.newID()
		out.Lines = append(out.Lines, Line{ID: id, Variant: &v, Quantity: add.Quantity})
		mod.LineChanges = append(mod.LineChanges, LineChange{LineID: id, VariantID: v.ID, QuantityDelta: add.Quantity})
	}

	for _, adj := range in.AdjustLines {
		l, ok := out.Line(adj.LineID)
		if !ok {
			return nil, nil, errors.Wrapf(ErrLineNotFound, "line %s", adj.LineID)
		}
		if adj.Quantity < 0 {
			return nil, nil, &NegativeQuantityError{LineID: adj.LineID, Field: "quantity", Value: int64(adj.Quantity)}
		}
		delta := adj.Quantity - l.Quantity
		if delta == 0 {
			continue
		}
		if fulfilled := l.FulfilledItems(); adj.Quantity < fulfilled {
			return nil, nil, &OrderModificationError{
				OrderID: o.ID,
				State:   o.State,
				Reason:  fmt.Sprintf("line %s has %d fulfilled items, cannot reduce to %d", l.ID, fulfilled, adj.Quantity),
			}
		}
		l.Quantity = adj.Quantity
		mod.LineChanges = append(mod.LineChanges, LineChange{LineID: l.ID, VariantID: l.Variant.ID, QuantityDelta: delta})
	}

	for _, s := range in.AddSurcharges {
		id := m.newID()
		out.Surcharges = append(out.Surcharges, newSurcharge(id, s))
		mod.SurchargeIDs = append(mod.SurchargeIDs, id)
	}
	for _, id := range in.RemoveSurchargeIDs {
		i := slices.IndexFunc(out.Surcharges, func(s Surcharge) bool { return s.ID == id })
		if i < 0 {
			return nil, nil, errors.Wrapf(ErrSurchargeNotFound, "surcharge %s", id)
		}
		out.Surcharges = slices.Delete(out.Surcharges, i, i+1)
	}

	for _, code := range in.AddCouponCodes {
		if err := m.addCoupon(ctx, out, code); err != nil {
			return nil, nil, err
		}
	}
	for _, code := range in.RemoveCouponCodes {
		removeCoupon(out, code)
	}

	priced, err := m.calc.Recalculate(ctx, out)
	if err != nil {
		return nil, nil, errors.Wrap(err, "recalculate")
	}
	mod.PriceChange = priced.TotalWithTax - o.TotalWithTax

	switch {
	case mod.PriceChange < 0 && !in.DryRun:
		refund, err := m.refund(o, in.RefundPaymentID, -mod.PriceChange, mod)
		if err != nil {
			return nil, nil, err
		}
		priced.Refunds = append(priced.Refunds, refund)
		mod.RefundID = refund.ID
		markRefundedItems(o, priced, refund.ID)
	case mod.PriceChange > 0:
		mod.PaymentPending = true
	}

	priced.Modifications = append(priced.Modifications, mod)
	zctx.From(ctx).Info("Order modified",
		zap.String("order_id", o.ID),
		zap.String("modification_id", mod.ID),
		zap.Int64("price_change", mod.PriceChange),
		zap.Bool("dry_run", in.DryRun),
	)
	return priced, &mod, nil
}

func (m *Modifier) addCoupon(ctx context.Context, o *Order, code string) error {
	if o.HasCouponCode(code) {
		return nil
	}
	if m.coupons != nil {
		if _, err := m.coupons.ValidateCouponCode(ctx, code, o.CustomerID); err != nil {
			return err
		}
	}
	o.CouponCodes = append(o.CouponCodes, promotion.NormalizeCode(code))
	return nil
}

func (m *Modifier) refund(o *Order, paymentID string, amount int64, mod Modification) (Refund, error) {
	if paymentID == "" {
		return Refund{}, ErrRefundPaymentNeeded
	}
	if _, ok := o.Payment(paymentID); !ok {
		return Refund{}, errors.Wrapf(ErrPaymentNotFound, "payment %s", paymentID)
	}
	if refundable := o.RefundableAmount(paymentID); amount > refundable {
		return Refund{}, errors.Wrapf(ErrRefundExceedsAmount, "refund %d of payment %s (refundable %d)", amount, paymentID, refundable)
	}
	return Refund{
		ID:             m.newID(),
		PaymentID:      paymentID,
		Amount:         amount,
		State:          RefundPending,
		Reason:         mod.Note,
		ModificationID: mod.ID,
		CreatedAt:      mod.CreatedAt,
	}, nil
}

// markRefundedItems links items cancelled by this modification to the refund.
func markRefundedItems(before, after *Order, refundID string) {
	wasCancelled := make(map[string]bool)
	for _, l := range before.Lines {
		for _, it := range l.Items {
			wasCancelled[it.ID] = it.Cancelled
		}
	}
	for i := range after.Lines {
		for j := range after.Lines[i].Items {
			it := &after.Lines[i].Items[j]
			if it.Cancelled && !wasCancelled[it.ID] && it.RefundID == "" {
				it.RefundID = refundID
			}
		}
	}
}

func newSurcharge(id string, in SurchargeInput) Surcharge {
	s := Surcharge{
		ID:               id,
		Description:      in.Description,
		SKU:              in.SKU,
		Price:            in.Price,
		PriceIncludesTax: in.PriceIncludesTax,
	}
	if in.TaxRate != nil {
		r := *in.TaxRate
		s.TaxRate = &r
	}
	return s
}

func removeCoupon(o *Order, code string) bool {
	want := promotion.NormalizeCode(code)
	i := slices.IndexFunc(o.CouponCodes, func(c string) bool { return promotion.NormalizeCode(c) == want })
	if i < 0 {
		return false
	}
	o.CouponCodes = slices.Delete(o.CouponCodes, i, i+1)
	return true
}
