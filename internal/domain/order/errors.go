package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("order not found")
	ErrVersionConflict   = errors.New("order was modified concurrently")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInventoryTimeout  = errors.New("inventory check timed out")

	ErrLineNotFound        = errors.New("order line not found")
	ErrSurchargeNotFound   = errors.New("surcharge not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrRefundPaymentNeeded = errors.New("a payment to refund against is required")
	ErrRefundExceedsAmount = errors.New("refund exceeds the refundable amount of the payment")
	ErrNoChanges           = errors.New("no changes specified")
	ErrInvalidFulfillment  = errors.New("invalid fulfillment")
)

// IllegalOperationError indicates an operation or transition that is never
// allowed from the order's state.
type IllegalOperationError struct {
	Op     string
	State  State
	Target State
}

func (e *IllegalOperationError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("cannot transition from %s to %s", e.State, e.Target)
	}
	return fmt.Sprintf("cannot %s an order in state %s", e.Op, e.State)
}

func (e *IllegalOperationError) Is(target error) bool {
	return target == ErrIllegalTransition && e.Target != ""
}

// TransitionError indicates a legal transition denied by a guard.
type TransitionError struct {
	From   State
	To     State
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s: %s", e.From, e.To, e.Reason)
}

// OrderModificationError indicates an edit attempted in a state that does
// not allow it.
type OrderModificationError struct {
	OrderID string
	State   State
	// Reason is set when the state allows edits but this one is refused.
	Reason string
}

func (e *OrderModificationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("order %s cannot be modified: %s", e.OrderID, e.Reason)
	}
	return fmt.Sprintf("order %s cannot be modified in state %s", e.OrderID, e.State)
}

// NegativeQuantityError indicates a negative quantity or a computed amount
// below zero.
type NegativeQuantityError struct {
	LineID string
	Field  string
	Value  int64
}

func (e *NegativeQuantityError) Error() string {
	if e.LineID == "" {
		return fmt.Sprintf("%s must not be negative, got %d", e.Field, e.Value)
	}
	return fmt.Sprintf("line %s: %s must not be negative, got %d", e.LineID, e.Field, e.Value)
}

// InternalError indicates inconsistent order data that no user action can
// fix.
type InternalError struct {
	OrderID string
	LineID  string
	Reason  string
}

func (e *InternalError) Error() string {
	if e.LineID != "" {
		return fmt.Sprintf("order %s line %s: %s", e.OrderID, e.LineID, e.Reason)
	}
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Reason)
}
