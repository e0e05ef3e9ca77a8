package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMerger(inv Inventory) *Merger {
	m := NewMerger(inv, 50*time.Millisecond)
	m.newID = sequentialIDs("merged")
	return m
}

func guestOrder(lines ...Line) *Order {
	o := newTestOrder(lines...)
	o.ID = "guest-1"
	o.CustomerID = ""
	return o
}

func quantities(o *Order) map[string]int {
	out := make(map[string]int, len(o.Lines))
	for _, l := range o.Lines {
		out[l.Variant.ID] = l.Quantity
	}
	return out
}

func TestMerge_Quantities(t *testing.T) {
	tests := []struct {
		name  string
		stock map[string]int
		want  map[string]int
	}{
		{
			name: "unlimited stock sums",
			want: map[string]int{"v1": 5, "v2": 1, "v3": 4},
		},
		{
			name:  "sum exceeds stock takes larger",
			stock: map[string]int{"v1": 3},
			want:  map[string]int{"v1": 3, "v2": 1, "v3": 4},
		},
		{
			name:  "neither fits keeps existing",
			stock: map[string]int{"v1": 2},
			want:  map[string]int{"v1": 2, "v2": 1, "v3": 4},
		},
		{
			name:  "unavailable guest line dropped",
			stock: map[string]int{"v3": 3},
			want:  map[string]int{"v1": 5, "v2": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := newTestOrder(newLine("l1", variant("v1", 1000), 2), newLine("l2", variant("v2", 500), 1))
			guest := guestOrder(newLine("g1", variant("v1", 1000), 3), newLine("g2", variant("v3", 200), 4))

			res, err := newTestMerger(&mockInventory{stock: tt.stock}).Merge(context.Background(), guest, existing)
			require.NoError(t, err)

			assert.Equal(t, tt.want, quantities(res.Order))
			assert.Equal(t, "guest-1", res.DiscardedOrderID)
			assert.False(t, res.Adopted)
			assert.Equal(t, "order-1", res.Order.ID)
			assert.Equal(t, 2, existing.Lines[0].Quantity)
			assert.Len(t, existing.Lines, 2)
		})
	}
}

func TestMerge_NewLinesGetFreshIDs(t *testing.T) {
	existing := newTestOrder(newLine("l1", variant("v1", 1000), 1))
	guest := guestOrder(newLine("l1", variant("v2", 500), 1))
	guest.Lines[0].Items = []Item{{ID: "guest-item"}}

	res, err := newTestMerger(nil).Merge(context.Background(), guest, existing)
	require.NoError(t, err)

	require.Len(t, res.Order.Lines, 2)
	assert.Equal(t, "merged-1", res.Order.Lines[1].ID)
	assert.Nil(t, res.Order.Lines[1].Items)
	assert.Equal(t, "guest-item", guest.Lines[0].Items[0].ID)
}

func TestMerge_OrderLevelFields(t *testing.T) {
	existing := newTestOrder(newLine("l1", variant("v1", 1000), 1))
	existing.CouponCodes = []string{"SUMMER"}
	existing.BillingAddress = &Address{CountryCode: "DE"}
	existing.PricedAt = ptr(testNow)

	guest := guestOrder(newLine("g1", variant("v1", 1000), 1))
	guest.CouponCodes = []string{"summer", "WELCOME"}
	guest.ShippingLines = []ShippingLine{{ShippingMethodID: "std"}}
	guest.ShippingAddress = &Address{CountryCode: "FR"}
	guest.BillingAddress = &Address{CountryCode: "US"}
	guest.Surcharges = []Surcharge{{ID: "s1", Price: 100}}

	res, err := newTestMerger(nil).Merge(context.Background(), guest, existing)
	require.NoError(t, err)
	o := res.Order

	assert.Equal(t, []string{"SUMMER", "WELCOME"}, o.CouponCodes)
	assert.Equal(t, []ShippingLine{{ShippingMethodID: "std"}}, o.ShippingLines)
	assert.Equal(t, "FR", o.ShippingAddress.CountryCode)
	assert.Equal(t, "DE", o.BillingAddress.CountryCode)
	assert.Empty(t, o.Surcharges)
	assert.Nil(t, o.PricedAt)
	assert.Equal(t, "cust-1", o.CustomerID)

	o.ShippingAddress.CountryCode = "XX"
	assert.Equal(t, "FR", guest.ShippingAddress.CountryCode)
}

func TestMerge_ExistingShippingWins(t *testing.T) {
	existing := newTestOrder(newLine("l1", variant("v1", 1000), 1))
	existing.ShippingLines = []ShippingLine{{ShippingMethodID: "free-over"}}
	guest := guestOrder(newLine("g1", variant("v1", 1000), 1))
	guest.ShippingLines = []ShippingLine{{ShippingMethodID: "std"}}

	res, err := newTestMerger(nil).Merge(context.Background(), guest, existing)
	require.NoError(t, err)

	assert.Equal(t, "free-over", res.Order.ShippingLines[0].ShippingMethodID)
}

func TestMerge_Adopt(t *testing.T) {
	guest := guestOrder(newLine("g1", variant("v1", 1000), 1))

	res, err := newTestMerger(nil).Merge(context.Background(), guest, nil)
	require.NoError(t, err)

	assert.True(t, res.Adopted)
	assert.Empty(t, res.DiscardedOrderID)
	assert.Equal(t, "guest-1", res.Order.ID)
	assert.NotSame(t, guest, res.Order)
}

func TestMerge_NoGuest(t *testing.T) {
	existing := newTestOrder(newLine("l1", variant("v1", 1000), 1))

	res, err := newTestMerger(nil).Merge(context.Background(), nil, existing)
	require.NoError(t, err)

	assert.Equal(t, existing.ID, res.Order.ID)
	assert.Equal(t, map[string]int{"v1": 1}, quantities(res.Order))
	assert.NotSame(t, existing, res.Order)
	assert.Empty(t, res.DiscardedOrderID)
}

func TestMerge_SameOrder(t *testing.T) {
	o := newTestOrder(newLine("l1", variant("v1", 1000), 2))

	res, err := newTestMerger(nil).Merge(context.Background(), o, o)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"v1": 2}, quantities(res.Order))
	assert.Empty(t, res.DiscardedOrderID)
	assert.False(t, res.Adopted)
}

func TestMerge_IllegalStates(t *testing.T) {
	tests := []struct {
		name     string
		guest    State
		existing State
		want     State
	}{
		{name: "guest already placed", guest: ArrangingPayment, existing: AddingItems, want: ArrangingPayment},
		{name: "existing checking out", guest: AddingItems, existing: ArrangingPayment, want: ArrangingPayment},
		{name: "existing cancelled", guest: AddingItems, existing: Cancelled, want: Cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guest := inState(guestOrder(newLine("g1", variant("v1", 1000), 1)), tt.guest)
			existing := inState(newTestOrder(newLine("l1", variant("v1", 1000), 1)), tt.existing)

			_, err := newTestMerger(nil).Merge(context.Background(), guest, existing)

			var ie *IllegalOperationError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, "merge", ie.Op)
			assert.Equal(t, tt.want, ie.State)
		})
	}
}

func TestMerge_InventoryTimeout(t *testing.T) {
	existing := newTestOrder(newLine("l1", variant("v1", 1000), 1))
	guest := guestOrder(newLine("g1", variant("v1", 1000), 1))

	_, err := newTestMerger(&mockInventory{delay: time.Second}).Merge(context.Background(), guest, existing)

	assert.ErrorIs(t, err, ErrInventoryTimeout)
}
