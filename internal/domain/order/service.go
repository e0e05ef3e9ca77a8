package order

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-order-core/internal/domain/product"
	"github.com/xenking/kart-order-core/internal/domain/promotion"
	"github.com/xenking/kart-order-core/internal/lock"
)

// Locker serialises mutations of one order.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

var (
	_ Locker = (*lock.Local)(nil)
	_ Locker = (*lock.Redis)(nil)
)

// CreateOrderInput holds the input for creating an order.
type CreateOrderInput struct {
	CustomerID       string
	CustomerGroupIDs []string
	CurrencyCode     string
}

// PaymentInput records a payment made through a gateway.
type PaymentInput struct {
	Method        string
	Amount        int64
	State         PaymentState
	TransactionID string
}

// FulfillmentInput ships quantities of lines.
type FulfillmentInput struct {
	Lines        map[string]int
	State        FulfillmentState
	TrackingCode string
}

// ServiceDeps are the collaborators of a Service. Usage, Locker and the
// telemetry providers are optional.
type ServiceDeps struct {
	Orders     Repository
	Variants   product.Repository
	Calculator *Calculator
	Machine    *StateMachine
	Modifier   *Modifier
	Merger     *Merger
	Coupons    CouponValidator
	Usage      promotion.UsageRecorder
	Locker     Locker

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Service runs order operations: every mutation loads the order under its
// lock, changes a copy, reprices it and saves it with a version check.
type Service struct {
	orders   Repository
	variants product.Repository
	calc     *Calculator
	machine  *StateMachine
	modifier *Modifier
	merger   *Merger
	coupons  CouponValidator
	usage    promotion.UsageRecorder
	locker   Locker
	tel      *telemetry
	now      func() time.Time
	newID    func() string
}

// NewService creates an order Service.
func NewService(d ServiceDeps) (*Service, error) {
	tel, err := newTelemetry(d.TracerProvider, d.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "telemetry")
	}
	locker := d.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		orders:   d.Orders,
		variants: d.Variants,
		calc:     d.Calculator,
		machine:  d.Machine,
		modifier: d.Modifier,
		merger:   d.Merger,
		coupons:  d.Coupons,
		usage:    d.Usage,
		locker:   locker,
		tel:      tel,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Get loads an order.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.orders.Load(ctx, orderID)
}

// CreateOrder creates an empty customer order in AddingItems.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	return s.create(ctx, "create", AddingItems, in)
}

// CreateDraft creates an empty administrator-built order in Draft.
func (s *Service) CreateDraft(ctx context.Context, in CreateOrderInput) (*Order, error) {
	return s.create(ctx, "create_draft", Draft, in)
}

func (s *Service) create(ctx context.Context, op string, state State, in CreateOrderInput) (o *Order, err error) {
	id := s.newID()
	ctx, done := s.tel.start(ctx, op, id)
	defer func() { done(err) }()

	now := s.now()
	o = &Order{
		ID:               id,
		Code:             orderCode(id),
		State:            state,
		Active:           true,
		CurrencyCode:     in.CurrencyCode,
		CustomerID:       in.CustomerID,
		CustomerGroupIDs: slices.Clone(in.CustomerGroupIDs),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if o, err = s.calc.Recalculate(ctx, o); err != nil {
		return nil, errors.Wrap(err, "recalculate")
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("state", string(o.State)),
	)
	return o, nil
}

// orderCode derives a short human-facing reference from an id.
func orderCode(id string) string {
	code := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	return code[:min(len(code), 16)]
}

// AddItem adds quantity of a variant, merging into an existing line of the
// same variant.
func (s *Service) AddItem(ctx context.Context, orderID, variantID string, quantity int) (*Order, error) {
	if quantity < 0 {
		return nil, &NegativeQuantityError{Field: "quantity", Value: int64(quantity)}
	}
	if quantity == 0 {
		return nil, ErrNoChanges
	}
	v, err := s.variants.GetVariant(ctx, variantID)
	if err != nil {
		return nil, errors.Wrapf(err, "get variant %s", variantID)
	}
	if !v.Enabled {
		return nil, errors.Wrapf(product.ErrNotFound, "variant %s is disabled", variantID)
	}
	return s.editCart(ctx, "add_item", orderID, func(o *Order) error {
		if l, ok := o.LineForVariant(variantID); ok {
			l.Quantity += quantity
			return nil
		}
		o.Lines = append(o.Lines, Line{ID: s.newID(), Variant: snapshotOf(v), Quantity: quantity})
		return nil
	})
}

func snapshotOf(v *product.Variant) *VariantSnapshot {
	return &VariantSnapshot{
		ID:            v.ID,
		Name:          v.Name,
		SKU:           v.SKU,
		Price:         v.Price,
		TaxCategoryID: v.TaxCategoryID,
		FacetValueIDs: slices.Clone(v.FacetValueIDs),
	}
}

// AdjustLine sets the quantity of a line. Zero removes the line.
func (s *Service) AdjustLine(ctx context.Context, orderID, lineID string, quantity int) (*Order, error) {
	if quantity < 0 {
		return nil, &NegativeQuantityError{LineID: lineID, Field: "quantity", Value: int64(quantity)}
	}
	return s.editCart(ctx, "adjust_line", orderID, func(o *Order) error {
		l, ok := o.Line(lineID)
		if !ok {
			return errors.Wrapf(ErrLineNotFound, "line %s", lineID)
		}
		if quantity == 0 {
			return removeLine(o, lineID)
		}
		l.Quantity = quantity
		return nil
	})
}

// RemoveLine deletes a line.
func (s *Service) RemoveLine(ctx context.Context, orderID, lineID string) (*Order, error) {
	return s.editCart(ctx, "remove_line", orderID, func(o *Order) error {
		return removeLine(o, lineID)
	})
}

func removeLine(o *Order, lineID string) error {
	i := slices.IndexFunc(o.Lines, func(l Line) bool { return l.ID == lineID })
	if i < 0 {
		return errors.Wrapf(ErrLineNotFound, "line %s", lineID)
	}
	o.Lines = slices.Delete(o.Lines, i, i+1)
	return nil
}

// ApplyCouponCode validates code and adds it to the order.
func (s *Service) ApplyCouponCode(ctx context.Context, orderID, code string) (*Order, error) {
	return s.editCart(ctx, "apply_coupon", orderID, func(o *Order) error {
		if o.HasCouponCode(code) {
			return nil
		}
		if s.coupons != nil {
			if _, err := s.coupons.ValidateCouponCode(ctx, code, o.CustomerID); err != nil {
				zctx.From(ctx).Info("Coupon code rejected",
					zap.String("order_id", o.ID),
					zap.String("code", code),
					zap.Error(err),
				)
				return err
			}
		}
		o.CouponCodes = append(o.CouponCodes, promotion.NormalizeCode(code))
		return nil
	})
}

// RemoveCouponCode removes code from the order. Removing an absent code is
// not an error.
func (s *Service) RemoveCouponCode(ctx context.Context, orderID, code string) (*Order, error) {
	return s.editCart(ctx, "remove_coupon", orderID, func(o *Order) error {
		removeCoupon(o, code)
		return nil
	})
}

// SetShippingMethod replaces the order's shipping with one method.
func (s *Service) SetShippingMethod(ctx context.Context, orderID, methodID string) (*Order, error) {
	return s.editCart(ctx, "set_shipping_method", orderID, func(o *Order) error {
		o.ShippingLines = []ShippingLine{{ShippingMethodID: methodID}}
		return nil
	})
}

// SetShippingAddress sets the shipping address, which may change the tax
// zone.
func (s *Service) SetShippingAddress(ctx context.Context, orderID string, addr Address) (*Order, error) {
	return s.editCart(ctx, "set_shipping_address", orderID, func(o *Order) error {
		o.ShippingAddress = &addr
		return nil
	})
}

// SetBillingAddress sets the billing address.
func (s *Service) SetBillingAddress(ctx context.Context, orderID string, addr Address) (*Order, error) {
	return s.editCart(ctx, "set_billing_address", orderID, func(o *Order) error {
		o.BillingAddress = &addr
		return nil
	})
}

// AddSurcharge adds an ad-hoc charge or, with a negative price, a manual
// discount.
func (s *Service) AddSurcharge(ctx context.Context, orderID string, in SurchargeInput) (*Order, error) {
	return s.editCart(ctx, "add_surcharge", orderID, func(o *Order) error {
		o.Surcharges = append(o.Surcharges, newSurcharge(s.newID(), in))
		return nil
	})
}

// RemoveSurcharge deletes a surcharge.
func (s *Service) RemoveSurcharge(ctx context.Context, orderID, surchargeID string) (*Order, error) {
	return s.editCart(ctx, "remove_surcharge", orderID, func(o *Order) error {
		i := slices.IndexFunc(o.Surcharges, func(sc Surcharge) bool { return sc.ID == surchargeID })
		if i < 0 {
			return errors.Wrapf(ErrSurchargeNotFound, "surcharge %s", surchargeID)
		}
		o.Surcharges = slices.Delete(o.Surcharges, i, i+1)
		return nil
	})
}

// editCart applies fn to an order that is still being built and reprices
// it.
func (s *Service) editCart(ctx context.Context, op, orderID string, fn func(o *Order) error) (*Order, error) {
	return s.mutate(ctx, op, orderID, func(ctx context.Context, o *Order) (*Order, error) {
		if o.State != AddingItems && o.State != Draft {
			return nil, &OrderModificationError{OrderID: o.ID, State: o.State}
		}
		next := o.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.PricedAt = nil
		return s.calc.Recalculate(ctx, next)
	})
}

// Transition moves the order to state to. Coupon usage is recorded once the
// order is placed.
func (s *Service) Transition(ctx context.Context, orderID string, to State, opts TransitionOptions) (*Order, error) {
	var placed bool
	o, err := s.mutateWithRollback(ctx, "transition", orderID, func(ctx context.Context, o *Order) (*Order, func(context.Context), error) {
		next, rollback, err := s.machine.TransitionWithRollback(ctx, o, to, opts)
		if err != nil {
			return nil, nil, err
		}
		placed = !o.Placed() && next.Placed()
		return next, rollback, nil
	})
	if err != nil {
		return nil, err
	}
	s.tel.transitioned(ctx, o.History[len(o.History)-1].From, to)
	if placed {
		s.recordUsage(ctx, o)
	}
	return o, nil
}

func (s *Service) recordUsage(ctx context.Context, o *Order) {
	if s.usage == nil {
		return
	}
	seen := make(map[string]struct{})
	for _, p := range o.Promotions {
		if p.CouponCode == "" {
			continue
		}
		if _, ok := seen[p.PromotionID]; ok {
			continue
		}
		seen[p.PromotionID] = struct{}{}
		if err := s.usage.RecordUsage(ctx, p.PromotionID, o.ID, o.CustomerID); err != nil {
			zctx.From(ctx).Warn("Record promotion usage",
				zap.String("order_id", o.ID),
				zap.String("promotion_id", p.PromotionID),
				zap.Error(err),
			)
		}
	}
}

// Modify amends a placed order in Modifying. Dry runs are not saved.
func (s *Service) Modify(ctx context.Context, orderID string, in ModifyInput) (*Order, *Modification, error) {
	if in.DryRun {
		o, err := s.orders.Load(ctx, orderID)
		if err != nil {
			return nil, nil, err
		}
		return s.modifier.Modify(ctx, o, in)
	}
	var mod *Modification
	o, err := s.mutate(ctx, "modify", orderID, func(ctx context.Context, o *Order) (*Order, error) {
		next, m, err := s.modifier.Modify(ctx, o, in)
		if err != nil {
			return nil, err
		}
		mod = m
		return next, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return o, mod, nil
}

// AddPayment records a payment while the order is waiting for one.
func (s *Service) AddPayment(ctx context.Context, orderID string, in PaymentInput) (*Order, error) {
	if in.Amount <= 0 {
		return nil, &NegativeQuantityError{Field: "payment amount", Value: in.Amount}
	}
	if in.State == "" {
		in.State = PaymentAuthorizedState
	}
	return s.mutate(ctx, "add_payment", orderID, func(_ context.Context, o *Order) (*Order, error) {
		if o.State != ArrangingPayment && o.State != ArrangingAdditionalPayment {
			return nil, &IllegalOperationError{Op: "add payment to", State: o.State}
		}
		next := o.Clone()
		p := Payment{
			ID:            s.newID(),
			Method:        in.Method,
			Amount:        in.Amount,
			State:         in.State,
			TransactionID: in.TransactionID,
			CreatedAt:     s.now(),
		}
		if o.State == ArrangingAdditionalPayment && len(o.Modifications) > 0 {
			p.ModificationID = o.Modifications[len(o.Modifications)-1].ID
		}
		next.Payments = append(next.Payments, p)
		return next, nil
	})
}

// SettlePayment marks an authorized payment as settled.
func (s *Service) SettlePayment(ctx context.Context, orderID, paymentID string) (*Order, error) {
	return s.mutate(ctx, "settle_payment", orderID, func(_ context.Context, o *Order) (*Order, error) {
		next := o.Clone()
		p, ok := next.Payment(paymentID)
		if !ok {
			return nil, errors.Wrapf(ErrPaymentNotFound, "payment %s", paymentID)
		}
		if p.State != PaymentAuthorizedState {
			return nil, &IllegalOperationError{Op: "settle a " + string(p.State) + " payment of", State: o.State}
		}
		p.State = PaymentSettledState
		return next, nil
	})
}

// SettleRefund marks a pending refund as settled or failed.
func (s *Service) SettleRefund(ctx context.Context, orderID, refundID string, state RefundState) (*Order, error) {
	return s.mutate(ctx, "settle_refund", orderID, func(_ context.Context, o *Order) (*Order, error) {
		next := o.Clone()
		r, ok := next.Refund(refundID)
		if !ok {
			return nil, errors.Wrapf(ErrRefundNotFound, "refund %s", refundID)
		}
		if r.State != RefundPending || state == RefundPending {
			return nil, &IllegalOperationError{Op: "settle a " + string(r.State) + " refund of", State: o.State}
		}
		r.State = state
		return next, nil
	})
}

// AddFulfillment records a shipment of items of a paid order.
func (s *Service) AddFulfillment(ctx context.Context, orderID string, in FulfillmentInput) (*Order, error) {
	if in.State == "" {
		in.State = FulfillmentPending
	}
	return s.mutate(ctx, "add_fulfillment", orderID, func(_ context.Context, o *Order) (*Order, error) {
		switch o.State {
		case PaymentSettled, PartiallyShipped, Shipped, PartiallyDelivered:
		default:
			return nil, &IllegalOperationError{Op: "fulfill", State: o.State}
		}
		if err := checkFulfillment(o, in.Lines); err != nil {
			return nil, err
		}
		next := o.Clone()
		f := Fulfillment{
			ID:           s.newID(),
			Lines:        cloneMap(in.Lines),
			State:        in.State,
			TrackingCode: in.TrackingCode,
			CreatedAt:    s.now(),
		}
		next.Fulfillments = append(next.Fulfillments, f)
		assignItems(next, f)
		return next, nil
	})
}

// SetFulfillmentState moves a fulfillment forward, e.g. to Shipped or
// Delivered.
func (s *Service) SetFulfillmentState(ctx context.Context, orderID, fulfillmentID string, state FulfillmentState) (*Order, error) {
	return s.mutate(ctx, "set_fulfillment_state", orderID, func(_ context.Context, o *Order) (*Order, error) {
		next := o.Clone()
		i := slices.IndexFunc(next.Fulfillments, func(f Fulfillment) bool { return f.ID == fulfillmentID })
		if i < 0 {
			return nil, errors.Wrapf(ErrInvalidFulfillment, "fulfillment %s not found", fulfillmentID)
		}
		next.Fulfillments[i].State = state
		return next, nil
	})
}

func checkFulfillment(o *Order, lines map[string]int) error {
	if len(lines) == 0 {
		return errors.Wrap(ErrInvalidFulfillment, "no lines")
	}
	for lineID, qty := range lines {
		l, ok := o.Line(lineID)
		if !ok {
			return errors.Wrapf(ErrLineNotFound, "line %s", lineID)
		}
		if qty <= 0 {
			return errors.Wrapf(ErrInvalidFulfillment, "line %s: quantity %d", lineID, qty)
		}
		free := 0
		for _, it := range l.Items {
			if !it.Cancelled && it.FulfillmentID == "" {
				free++
			}
		}
		if qty > free {
			return errors.Wrapf(ErrInvalidFulfillment, "line %s: %d requested, %d unfulfilled", lineID, qty, free)
		}
	}
	return nil
}

func assignItems(o *Order, f Fulfillment) {
	for lineID, qty := range f.Lines {
		l, _ := o.Line(lineID)
		for i := range l.Items {
			if qty == 0 {
				break
			}
			if it := &l.Items[i]; !it.Cancelled && it.FulfillmentID == "" {
				it.FulfillmentID = f.ID
				qty--
			}
		}
	}
}

// MergeOnLogin folds a guest order into the customer's active order, or
// adopts it when the customer has none. The discarded guest order is
// deleted. An order that already belongs to the customer is returned as it
// is.
func (s *Service) MergeOnLogin(ctx context.Context, guestOrderID, customerID string) (o *Order, err error) {
	ctx, done := s.tel.start(ctx, "merge", guestOrderID)
	defer func() { done(err) }()

	for attempt := 0; ; attempt++ {
		existingID, err := s.activeOrderID(ctx, customerID)
		if err != nil {
			return nil, err
		}
		merged, err := s.mergeLocked(ctx, guestOrderID, customerID, existingID)
		if errors.Is(err, errActiveOrderChanged) && attempt == 0 {
			s.tel.retried(ctx, "merge")
			continue
		}
		if errors.Is(err, errActiveOrderChanged) {
			return nil, errors.Wrap(ErrVersionConflict, "customer order changed during merge")
		}
		return merged, err
	}
}

var errActiveOrderChanged = errors.New("active order changed")

func (s *Service) activeOrderID(ctx context.Context, customerID string) (string, error) {
	existing, err := s.orders.FindActiveByCustomer(ctx, customerID)
	switch {
	case errors.Is(err, ErrNotFound):
		return "", nil
	case err != nil:
		return "", errors.Wrap(err, "find customer order")
	}
	return existing.ID, nil
}

// mergeLocked merges under the locks of both orders, taken in id order.
// existingID is the customer's active order seen before locking; if it
// changed meanwhile errActiveOrderChanged is returned.
func (s *Service) mergeLocked(ctx context.Context, guestOrderID, customerID, existingID string) (*Order, error) {
	unlock, err := s.lockAll(ctx, guestOrderID, existingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	guest, err := s.orders.Load(ctx, guestOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "load guest order")
	}
	if guest.CustomerID == customerID || existingID == guest.ID {
		return guest, nil
	}
	if guest.CustomerID != "" {
		return nil, &IllegalOperationError{Op: "merge another customer's", State: guest.State}
	}

	var existing *Order
	if existingID != "" {
		if existing, err = s.orders.Load(ctx, existingID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(err, "load customer order")
		}
	}
	if existing == nil || !existing.Active || existing.CustomerID != customerID {
		if current, err := s.activeOrderID(ctx, customerID); err != nil {
			return nil, err
		} else if current != "" {
			return nil, errActiveOrderChanged
		}
		existing = nil
	}

	res, err := s.merger.Merge(ctx, guest, existing)
	if err != nil {
		return nil, err
	}
	out := res.Order
	out.CustomerID = customerID
	if out, err = s.calc.Recalculate(ctx, out); err != nil {
		return nil, errors.Wrap(err, "recalculate")
	}
	out.UpdatedAt = s.now()
	if err := s.orders.Save(ctx, out); err != nil {
		return nil, errors.Wrap(err, "save merged order")
	}

	lg := zctx.From(ctx)
	if res.Adopted {
		lg.Info("Guest order adopted",
			zap.String("order_id", out.ID),
			zap.String("customer_id", customerID),
		)
		return out, nil
	}
	if res.DiscardedOrderID != "" {
		if err := s.orders.Delete(ctx, res.DiscardedOrderID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(err, "delete guest order")
		}
	}
	lg.Info("Guest order merged",
		zap.String("order_id", out.ID),
		zap.String("guest_order_id", guestOrderID),
	)
	return out, nil
}

// lockAll locks the distinct non-empty ids in sorted order and returns a
// func releasing them in reverse.
func (s *Service) lockAll(ctx context.Context, ids ...string) (func(), error) {
	keys := slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == "" })
	slices.Sort(keys)
	keys = slices.Compact(keys)

	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, errors.Wrapf(err, "lock order %s", key)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Reprice recalculates an order that is still being built, for example
// after promotions or tax rates changed. Other orders are returned as they
// are.
func (s *Service) Reprice(ctx context.Context, orderID string) (*Order, error) {
	return s.mutate(ctx, "reprice", orderID, func(ctx context.Context, o *Order) (*Order, error) {
		if o.State != AddingItems && o.State != Draft {
			return o, nil
		}
		return s.calc.Recalculate(ctx, o)
	})
}

// mutate runs fn under the order's lock and saves the result. A version
// conflict reloads the order and runs fn once more.
func (s *Service) mutate(ctx context.Context, op, orderID string, fn func(ctx context.Context, o *Order) (*Order, error)) (*Order, error) {
	return s.mutateWithRollback(ctx, op, orderID, func(ctx context.Context, o *Order) (*Order, func(context.Context), error) {
		next, err := fn(ctx, o)
		return next, nil, err
	})
}

// mutateWithRollback is mutate for changes with side effects outside the
// order. When the save fails, rollback undoes them before the retry or the
// error return.
func (s *Service) mutateWithRollback(ctx context.Context, op, orderID string, fn func(ctx context.Context, o *Order) (*Order, func(context.Context), error)) (out *Order, err error) {
	ctx, done := s.tel.start(ctx, op, orderID)
	defer func() { done(err) }()

	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		o, err := s.orders.Load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		next, rollback, err := fn(ctx, o)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = s.now()
		err = s.orders.Save(ctx, next)
		if err != nil && rollback != nil {
			rollback(context.WithoutCancel(ctx))
		}
		if errors.Is(err, ErrVersionConflict) && attempt == 0 {
			zctx.From(ctx).Debug("Version conflict, retrying",
				zap.String("order_id", orderID),
				zap.String("operation", op),
			)
			s.tel.retried(ctx, op)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "save order")
		}
		return next, nil
	}
}
