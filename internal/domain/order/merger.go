package order

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MergeResult is the outcome of merging a guest order into a customer's
// order.
type MergeResult struct {
	// Order is the order the customer continues with.
	Order *Order
	// DiscardedOrderID is the guest order to delete, if any.
	DiscardedOrderID string
	// Adopted is set when the guest order itself became the customer's
	// order.
	Adopted bool
}

// Merger reconciles a guest order with a customer's active order at login.
type Merger struct {
	inventory Inventory
	timeout   time.Duration
	newID     func() string
}

// NewMerger creates a Merger. inventory may be nil, in which case every
// quantity is considered available.
func NewMerger(inventory Inventory, timeout time.Duration) *Merger {
	return &Merger{inventory: inventory, timeout: timeout, newID: uuid.NewString}
}

// Merge folds guest into existing and returns the result. Neither input is
// modified. existing may be nil, in which case the guest order is adopted.
//
// Quantities of the same variant are summed when stock allows, otherwise the
// larger of the two is tried, otherwise the existing quantity stays. Guest
// lines for other variants are added only when available. Surcharges,
// shipping and addresses of the existing order win; coupon codes are
// combined. Merging an order into itself returns a copy of it.
func (m *Merger) Merge(ctx context.Context, guest, existing *Order) (MergeResult, error) {
	if guest == nil || (existing != nil && existing.ID == guest.ID) {
		return MergeResult{Order: existing.Clone()}, nil
	}
	if guest.State != AddingItems {
		return MergeResult{}, &IllegalOperationError{Op: "merge", State: guest.State}
	}
	if existing == nil {
		return MergeResult{Order: guest.Clone(), Adopted: true}, nil
	}
	if existing.State != AddingItems {
		return MergeResult{}, &IllegalOperationError{Op: "merge", State: existing.State}
	}

	lg := zctx.From(ctx).With(
		zap.String("guest_order_id", guest.ID),
		zap.String("order_id", existing.ID),
	)
	out := existing.Clone()

	for _, gl := range guest.Lines {
		if gl.Variant == nil || gl.Quantity <= 0 {
			continue
		}
		if l, ok := out.LineForVariant(gl.Variant.ID); ok {
			qty, err := m.mergedQuantity(ctx, gl.Variant.ID, l.Quantity, gl.Quantity)
			if err != nil {
				return MergeResult{}, err
			}
			if qty != l.Quantity+gl.Quantity {
				lg.Info("Merged quantity limited by stock",
					zap.String("variant_id", gl.Variant.ID),
					zap.Int("requested", l.Quantity+gl.Quantity),
					zap.Int("merged", qty),
				)
			}
			l.Quantity = qty
			continue
		}

		ok, err := m.available(ctx, gl.Variant.ID, gl.Quantity)
		if err != nil {
			return MergeResult{}, err
		}
		if !ok {
			lg.Info("Guest line dropped, out of stock",
				zap.String("variant_id", gl.Variant.ID),
				zap.Int("quantity", gl.Quantity),
			)
			continue
		}
		line := gl.clone()
		line.ID = m.newID()
		line.Items = nil
		out.Lines = append(out.Lines, line)
	}

	for _, code := range guest.CouponCodes {
		if !out.HasCouponCode(code) {
			out.CouponCodes = append(out.CouponCodes, code)
		}
	}
	if len(out.ShippingLines) == 0 {
		out.ShippingLines = slices.Clone(guest.ShippingLines)
	}
	if out.ShippingAddress == nil {
		out.ShippingAddress = cloneAddress(guest.ShippingAddress)
	}
	if out.BillingAddress == nil {
		out.BillingAddress = cloneAddress(guest.BillingAddress)
	}
	out.PricedAt = nil

	return MergeResult{Order: out, DiscardedOrderID: guest.ID}, nil
}

func (m *Merger) mergedQuantity(ctx context.Context, variantID string, existing, guest int) (int, error) {
	for _, qty := range []int{existing + guest, max(existing, guest)} {
		if qty == existing {
			break
		}
		ok, err := m.available(ctx, variantID, qty)
		if err != nil {
			return 0, err
		}
		if ok {
			return qty, nil
		}
	}
	return existing, nil
}

func (m *Merger) available(ctx context.Context, variantID string, qty int) (bool, error) {
	if m.inventory == nil {
		return true, nil
	}
	ok, err := checkStock(ctx, m.inventory, m.timeout, variantID, qty)
	if err != nil {
		if errors.Is(err, ErrInventoryTimeout) {
			return false, err
		}
		return false, errors.Wrap(err, "merge")
	}
	return ok, nil
}
