package promotion

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrCouponCodeInvalid matches CouponCodeInvalidError.
	ErrCouponCodeInvalid = errors.New("coupon code invalid")
	// ErrCouponCodeExpired matches CouponCodeExpiredError.
	ErrCouponCodeExpired = errors.New("coupon code expired")
	// ErrCouponCodeLimit matches CouponCodeLimitError.
	ErrCouponCodeLimit = errors.New("coupon code usage limit reached")
)

// CouponCodeInvalidError indicates the code matches no enabled promotion.
type CouponCodeInvalidError struct {
	Code string
}

func (e *CouponCodeInvalidError) Error() string {
	return fmt.Sprintf("coupon code %q is not valid", e.Code)
}

func (e *CouponCodeInvalidError) Is(target error) bool {
	return target == ErrCouponCodeInvalid
}

// CouponCodeExpiredError indicates the promotion is outside its time window.
type CouponCodeExpiredError struct {
	Code string
}

func (e *CouponCodeExpiredError) Error() string {
	return fmt.Sprintf("coupon code %q has expired", e.Code)
}

func (e *CouponCodeExpiredError) Is(target error) bool {
	return target == ErrCouponCodeExpired
}

// CouponCodeLimitError indicates a per-customer or global usage limit is
// exhausted.
type CouponCodeLimitError struct {
	Code  string
	Limit int
}

func (e *CouponCodeLimitError) Error() string {
	return fmt.Sprintf("coupon code %q cannot be used more than %d time(s)", e.Code, e.Limit)
}

func (e *CouponCodeLimitError) Is(target error) bool {
	return target == ErrCouponCodeLimit
}
