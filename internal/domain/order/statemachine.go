package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// State is an order lifecycle state.
type State string

const (
	Draft                      State = "Draft"
	AddingItems                State = "AddingItems"
	ArrangingPayment           State = "ArrangingPayment"
	PaymentAuthorized          State = "PaymentAuthorized"
	PaymentSettled             State = "PaymentSettled"
	PartiallyShipped           State = "PartiallyShipped"
	Shipped                    State = "Shipped"
	PartiallyDelivered         State = "PartiallyDelivered"
	Delivered                  State = "Delivered"
	Modifying                  State = "Modifying"
	ArrangingAdditionalPayment State = "ArrangingAdditionalPayment"
	Cancelled                  State = "Cancelled"
)

// AnyState matches every state when registering guards and hooks.
const AnyState State = ""

// States lists every state.
func States() []State {
	return []State{
		Draft, AddingItems, ArrangingPayment, PaymentAuthorized, PaymentSettled,
		PartiallyShipped, Shipped, PartiallyDelivered, Delivered, Modifying,
		ArrangingAdditionalPayment, Cancelled,
	}
}

var transitions = map[State][]State{
	Draft:              {ArrangingPayment, Cancelled},
	AddingItems:        {ArrangingPayment, Cancelled},
	ArrangingPayment:   {AddingItems, PaymentAuthorized, PaymentSettled, Cancelled},
	PaymentAuthorized:  {PaymentSettled, Modifying, Cancelled},
	PaymentSettled:     {PartiallyShipped, Shipped, PartiallyDelivered, Delivered, Modifying, Cancelled},
	PartiallyShipped:   {Shipped, PartiallyDelivered, Modifying, Cancelled},
	Shipped:            {PartiallyDelivered, Delivered, Modifying},
	PartiallyDelivered: {Delivered, Modifying},
	Modifying: {
		PaymentAuthorized, PaymentSettled, PartiallyShipped, Shipped, PartiallyDelivered,
		ArrangingAdditionalPayment, Cancelled,
	},
	ArrangingAdditionalPayment: {
		PaymentAuthorized, PaymentSettled, PartiallyShipped, Shipped, PartiallyDelivered, Cancelled,
	},
	Delivered: nil,
	Cancelled: nil,
}

// TransitionOptions tune a single transition.
type TransitionOptions struct {
	// FreezePromotions keeps agreed discounts fixed while in Modifying.
	FreezePromotions bool
}

// TransitionContext is what guards and hooks see. Order is the working copy;
// hooks may change it.
type TransitionContext struct {
	Order   *Order
	From    State
	To      State
	Options TransitionOptions
}

// Guard allows or denies a transition. A denial carries a reason.
type Guard func(ctx context.Context, tc *TransitionContext) (allow bool, reason string)

// Hook is a transition side effect. Compensate, when set, undoes Run after a
// later hook failed.
type Hook struct {
	Name       string
	Run        func(ctx context.Context, tc *TransitionContext) error
	Compensate func(ctx context.Context, tc *TransitionContext) error
}

type edge struct {
	from State
	to   State
}

type registeredGuard struct {
	edge
	guard Guard
}

type registeredHook struct {
	edge
	hook Hook
}

func (e edge) matches(from, to State) bool {
	return (e.from == AnyState || e.from == from) && (e.to == AnyState || e.to == to)
}

// StateMachineConfig configures the built-in guards and side effects.
type StateMachineConfig struct {
	Inventory Inventory
	// Allocator is optional; without it no stock is reserved.
	Allocator        StockAllocator
	InventoryTimeout time.Duration
	// RequireShipping denies ArrangingPayment without a shipping line.
	RequireShipping bool
}

// StateMachine validates and performs order state transitions.
type StateMachine struct {
	cfg    StateMachineConfig
	guards []registeredGuard
	start  []registeredHook
	end    []registeredHook
	now    func() time.Time
}

// NewStateMachine creates a StateMachine with the default guards and side
// effects.
func NewStateMachine(cfg StateMachineConfig) *StateMachine {
	m := &StateMachine{cfg: cfg, now: time.Now}
	m.registerDefaults()
	return m
}

// CanTransition reports whether from -> to is in the transition table.
func (m *StateMachine) CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// NextStates lists the states reachable from from.
func (m *StateMachine) NextStates(from State) []State {
	return slices.Clone(transitions[from])
}

// AddGuard registers a guard for from -> to. Either may be AnyState. Guards
// run in registration order.
func (m *StateMachine) AddGuard(from, to State, g Guard) {
	m.guards = append(m.guards, registeredGuard{edge: edge{from, to}, guard: g})
}

// OnTransitionStart registers a hook that runs before the state changes.
func (m *StateMachine) OnTransitionStart(from, to State, h Hook) {
	m.start = append(m.start, registeredHook{edge: edge{from, to}, hook: h})
}

// OnTransitionEnd registers a hook that runs after the state changes.
func (m *StateMachine) OnTransitionEnd(from, to State, h Hook) {
	m.end = append(m.end, registeredHook{edge: edge{from, to}, hook: h})
}

// Transition moves a copy of o to state to and returns it. On any failure o
// is left untouched and every completed hook is compensated.
func (m *StateMachine) Transition(ctx context.Context, o *Order, to State, opts TransitionOptions) (*Order, error) {
	out, _, err := m.TransitionWithRollback(ctx, o, to, opts)
	return out, err
}

// TransitionWithRollback is Transition that also returns rollback, which
// compensates the hooks of a successful transition. Callers that fail to
// persist the returned order must call it.
func (m *StateMachine) TransitionWithRollback(ctx context.Context, o *Order, to State, opts TransitionOptions) (_ *Order, rollback func(context.Context), _ error) {
	from := o.State
	if !m.CanTransition(from, to) {
		return nil, nil, &IllegalOperationError{Op: "transition", State: from, Target: to}
	}

	tc := &TransitionContext{Order: o.Clone(), From: from, To: to, Options: opts}
	for _, g := range m.guards {
		if !g.matches(from, to) {
			continue
		}
		if ok, reason := g.guard(ctx, tc); !ok {
			return nil, nil, &TransitionError{From: from, To: to, Reason: reason}
		}
	}

	var done []Hook
	run := func(hooks []registeredHook) error {
		for _, h := range hooks {
			if !h.matches(from, to) {
				continue
			}
			if err := h.hook.Run(ctx, tc); err != nil {
				m.compensate(ctx, tc, done)
				return errors.Wrapf(err, "%s -> %s: %s", from, to, h.hook.Name)
			}
			done = append(done, h.hook)
		}
		return nil
	}

	if err := run(m.start); err != nil {
		return nil, nil, err
	}
	tc.Order.State = to
	tc.Order.History = append(tc.Order.History, StateChange{From: from, To: to, At: m.now()})
	if err := run(m.end); err != nil {
		return nil, nil, err
	}

	zctx.From(ctx).Info("Order state changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	out := tc.Order
	rollback = func(ctx context.Context) {
		zctx.From(ctx).Warn("Rolling back state change",
			zap.String("order_id", o.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		tc.Order = out.Clone()
		m.compensate(ctx, tc, done)
	}
	return out, rollback, nil
}

func (m *StateMachine) compensate(ctx context.Context, tc *TransitionContext, done []Hook) {
	lg := zctx.From(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		h := done[i]
		if h.Compensate == nil {
			continue
		}
		if err := h.Compensate(ctx, tc); err != nil {
			lg.Error("Compensation failed",
				zap.String("order_id", tc.Order.ID),
				zap.String("hook", h.Name),
				zap.Error(err),
			)
		}
	}
}

func (m *StateMachine) registerDefaults() {
	m.AddGuard(AnyState, ArrangingPayment, guardHasLines)
	m.AddGuard(AnyState, ArrangingPayment, guardHasCustomer)
	m.AddGuard(AnyState, ArrangingPayment, guardPriced)
	if m.cfg.RequireShipping {
		m.AddGuard(AnyState, ArrangingPayment, guardHasShipping)
	}
	if m.cfg.Inventory != nil {
		m.AddGuard(AnyState, ArrangingPayment, m.guardStock)
	}

	m.AddGuard(Modifying, AnyState, guardLeaveModifying)
	m.AddGuard(ArrangingAdditionalPayment, AnyState, guardBalanceSettled)

	m.AddGuard(AnyState, PaymentAuthorized, guardPaymentsCover(PaymentAuthorizedState, PaymentSettledState))
	m.AddGuard(AnyState, PaymentSettled, guardPaymentsCover(PaymentSettledState))
	m.AddGuard(AnyState, PartiallyShipped, guardFulfilled(false, FulfillmentShipped, FulfillmentDelivered))
	m.AddGuard(AnyState, Shipped, guardFulfilled(true, FulfillmentShipped, FulfillmentDelivered))
	m.AddGuard(AnyState, PartiallyDelivered, guardFulfilled(false, FulfillmentDelivered))
	m.AddGuard(AnyState, Delivered, guardFulfilled(true, FulfillmentDelivered))
	m.AddGuard(AnyState, Cancelled, guardNothingShipped)

	if m.cfg.Allocator != nil {
		allocate := Hook{Name: "allocate stock", Run: m.allocateStock, Compensate: m.releaseStock}
		m.OnTransitionStart(AddingItems, ArrangingPayment, allocate)
		m.OnTransitionStart(Draft, ArrangingPayment, allocate)
		m.OnTransitionStart(ArrangingPayment, AddingItems, Hook{Name: "release stock", Run: m.releaseStock, Compensate: m.allocateStock})
		m.OnTransitionStart(AnyState, Cancelled, Hook{Name: "release stock", Run: m.releaseStock, Compensate: m.allocateStock})
	}

	m.OnTransitionStart(AnyState, Modifying, Hook{Name: "enter modifying", Run: func(_ context.Context, tc *TransitionContext) error {
		tc.Order.PreModifyingState = tc.From
		tc.Order.FreezePromotions = tc.Options.FreezePromotions
		return nil
	}})
	m.OnTransitionEnd(AnyState, AnyState, Hook{Name: "leave modifying", Run: func(_ context.Context, tc *TransitionContext) error {
		if (tc.From == Modifying || tc.From == ArrangingAdditionalPayment) && tc.To != ArrangingAdditionalPayment {
			tc.Order.PreModifyingState = ""
			tc.Order.FreezePromotions = false
		}
		return nil
	}})
	m.OnTransitionEnd(AnyState, AnyState, Hook{Name: "mark placed", Run: func(_ context.Context, tc *TransitionContext) error {
		if (tc.To == PaymentAuthorized || tc.To == PaymentSettled) && tc.Order.OrderPlacedAt == nil {
			now := m.now()
			tc.Order.OrderPlacedAt = &now
			tc.Order.Active = false
		}
		return nil
	}})
}

func guardHasLines(_ context.Context, tc *TransitionContext) (bool, string) {
	if tc.Order.ActiveQuantity() == 0 {
		return false, "order is empty"
	}
	return true, ""
}

func guardHasCustomer(_ context.Context, tc *TransitionContext) (bool, string) {
	if tc.Order.CustomerID == "" {
		return false, "order has no customer"
	}
	return true, ""
}

func guardPriced(_ context.Context, tc *TransitionContext) (bool, string) {
	if tc.Order.PricedAt == nil {
		return false, "order has not been priced since it last changed"
	}
	return true, ""
}

func guardHasShipping(_ context.Context, tc *TransitionContext) (bool, string) {
	if len(tc.Order.ShippingLines) == 0 {
		return false, "no shipping method selected"
	}
	return true, ""
}

func (m *StateMachine) guardStock(ctx context.Context, tc *TransitionContext) (bool, string) {
	for _, l := range tc.Order.Lines {
		if l.Quantity == 0 {
			continue
		}
		ok, err := checkStock(ctx, m.cfg.Inventory, m.cfg.InventoryTimeout, l.Variant.ID, l.Quantity)
		if errors.Is(err, ErrInventoryTimeout) {
			return false, ErrInventoryTimeout.Error()
		}
		if err != nil {
			return false, fmt.Sprintf("inventory check failed: %v", err)
		}
		if !ok {
			return false, fmt.Sprintf("insufficient stock for %s", l.Variant.Name)
		}
	}
	return true, ""
}

func guardLeaveModifying(_ context.Context, tc *TransitionContext) (bool, string) {
	o := tc.Order
	if tc.To == Cancelled {
		return true, ""
	}
	balance := o.OutstandingBalance()
	if balance > 0 {
		if tc.To != ArrangingAdditionalPayment {
			return false, fmt.Sprintf("outstanding balance of %d requires additional payment", balance)
		}
		return true, ""
	}
	switch tc.To {
	case ArrangingAdditionalPayment:
		return false, "no additional payment is due"
	case o.PreModifyingState, PartiallyShipped, Shipped, PartiallyDelivered:
		return true, ""
	default:
		return false, fmt.Sprintf("order must return to %s", o.PreModifyingState)
	}
}

func guardBalanceSettled(_ context.Context, tc *TransitionContext) (bool, string) {
	if tc.To == Cancelled {
		return true, ""
	}
	if balance := tc.Order.OutstandingBalance(); balance > 0 {
		return false, fmt.Sprintf("outstanding balance of %d is not yet paid", balance)
	}
	return true, ""
}

func guardPaymentsCover(states ...PaymentState) Guard {
	return func(_ context.Context, tc *TransitionContext) (bool, string) {
		o := tc.Order
		covered := o.PaidAmount(states...) - o.RefundedAmount()
		if covered < o.TotalWithTax {
			return false, fmt.Sprintf("payments of %d do not cover order total %d", covered, o.TotalWithTax)
		}
		return true, ""
	}
}

func guardFulfilled(all bool, states ...FulfillmentState) Guard {
	return func(_ context.Context, tc *TransitionContext) (bool, string) {
		done := tc.Order.FulfilledQuantity(states...)
		total := tc.Order.ActiveQuantity()
		switch {
		case all && done < total:
			return false, fmt.Sprintf("only %d of %d items fulfilled", done, total)
		case !all && (done == 0 || done >= total):
			return false, fmt.Sprintf("%d of %d items fulfilled is not a partial fulfillment", done, total)
		}
		return true, ""
	}
}

func guardNothingShipped(_ context.Context, tc *TransitionContext) (bool, string) {
	if tc.Order.FulfilledQuantity(FulfillmentShipped, FulfillmentDelivered) > 0 {
		return false, "order has shipped fulfillments"
	}
	return true, ""
}

func (m *StateMachine) allocateStock(ctx context.Context, tc *TransitionContext) error {
	lines := make([]StockLine, 0, len(tc.Order.Lines))
	for _, l := range tc.Order.Lines {
		if l.Quantity > 0 {
			lines = append(lines, StockLine{VariantID: l.Variant.ID, Quantity: l.Quantity})
		}
	}
	if err := m.cfg.Allocator.Allocate(ctx, tc.Order.ID, lines); err != nil {
		return errors.Wrap(err, "allocate")
	}
	tc.Order.StockAllocated = true
	return nil
}

func (m *StateMachine) releaseStock(ctx context.Context, tc *TransitionContext) error {
	if !tc.Order.StockAllocated {
		return nil
	}
	if err := m.cfg.Allocator.Release(ctx, tc.Order.ID); err != nil {
		return errors.Wrap(err, "release")
	}
	tc.Order.StockAllocated = false
	return nil
}

// checkStock asks inventory with an optional timeout. A deadline hit is
// reported as ErrInventoryTimeout.
func checkStock(ctx context.Context, inv Inventory, timeout time.Duration, variantID string, qty int) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ok, err := inv.CheckAvailability(ctx, variantID, qty)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, ErrInventoryTimeout
		}
		return false, errors.Wrapf(err, "check availability of %s", variantID)
	}
	return ok, nil
}
