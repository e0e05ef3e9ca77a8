package order

import "time"

// PaymentState is the lifecycle state of a payment.
type PaymentState string

const (
	PaymentAuthorizedState PaymentState = "Authorized"
	PaymentSettledState    PaymentState = "Settled"
	PaymentDeclinedState   PaymentState = "Declined"
	PaymentCancelledState  PaymentState = "Cancelled"
)

// Payment is a recorded payment. Gateway interaction happens elsewhere.
type Payment struct {
	ID             string       `json:"id"`
	Method         string       `json:"method"`
	Amount         int64        `json:"amount"`
	State          PaymentState `json:"state"`
	TransactionID  string       `json:"transactionId,omitempty"`
	ModificationID string       `json:"modificationId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// RefundState is the lifecycle state of a refund.
type RefundState string

const (
	RefundPending RefundState = "Pending"
	RefundSettled RefundState = "Settled"
	RefundFailed  RefundState = "Failed"
)

// Refund returns part of a payment to the customer.
type Refund struct {
	ID             string      `json:"id"`
	PaymentID      string      `json:"paymentId"`
	Amount         int64       `json:"amount"`
	State          RefundState `json:"state"`
	Reason         string      `json:"reason,omitempty"`
	ModificationID string      `json:"modificationId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// FulfillmentState is the lifecycle state of a fulfillment.
type FulfillmentState string

const (
	FulfillmentPending   FulfillmentState = "Pending"
	FulfillmentShipped   FulfillmentState = "Shipped"
	FulfillmentDelivered FulfillmentState = "Delivered"
	FulfillmentCancelled FulfillmentState = "Cancelled"
)

// Fulfillment ships quantities of lines.
type Fulfillment struct {
	ID           string           `json:"id"`
	Lines        map[string]int   `json:"lines"`
	State        FulfillmentState `json:"state"`
	TrackingCode string           `json:"trackingCode,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Payment returns the payment with id.
func (o *Order) Payment(id string) (*Payment, bool) {
	for i := range o.Payments {
		if o.Payments[i].ID == id {
			return &o.Payments[i], true
		}
	}
	return nil, false
}

// Refund returns the refund with id.
func (o *Order) Refund(id string) (*Refund, bool) {
	for i := range o.Refunds {
		if o.Refunds[i].ID == id {
			return &o.Refunds[i], true
		}
	}
	return nil, false
}

// PaidAmount sums payments in any of the given states.
func (o *Order) PaidAmount(states ...PaymentState) int64 {
	var sum int64
	for _, p := range o.Payments {
		for _, s := range states {
			if p.State == s {
				sum += p.Amount
				break
			}
		}
	}
	return sum
}

// RefundedAmount sums refunds that have not failed.
func (o *Order) RefundedAmount() int64 {
	var sum int64
	for _, r := range o.Refunds {
		if r.State != RefundFailed {
			sum += r.Amount
		}
	}
	return sum
}

// RefundableAmount returns what can still be refunded from a payment.
func (o *Order) RefundableAmount(paymentID string) int64 {
	p, ok := o.Payment(paymentID)
	if !ok || (p.State != PaymentSettledState && p.State != PaymentAuthorizedState) {
		return 0
	}
	left := p.Amount
	for _, r := range o.Refunds {
		if r.PaymentID == paymentID && r.State != RefundFailed {
			left -= r.Amount
		}
	}
	return max(left, 0)
}

// OutstandingBalance is what the customer still owes. Negative means the
// customer is owed money not yet covered by a refund.
func (o *Order) OutstandingBalance() int64 {
	paid := o.PaidAmount(PaymentAuthorizedState, PaymentSettledState)
	return o.TotalWithTax - (paid - o.RefundedAmount())
}

// FulfilledQuantity sums line quantities of fulfillments in any of the given
// states.
func (o *Order) FulfilledQuantity(states ...FulfillmentState) int {
	n := 0
	for _, f := range o.Fulfillments {
		for _, s := range states {
			if f.State == s {
				for _, q := range f.Lines {
					n += q
				}
				break
			}
		}
	}
	return n
}

// ActiveQuantity is the number of items that are not cancelled.
func (o *Order) ActiveQuantity() int {
	n := 0
	for i := range o.Lines {
		n += o.Lines[i].ActiveItems()
	}
	return n
}
