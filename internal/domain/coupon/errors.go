package coupon

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Business rejections. These are expected, frequent outcomes of validation
// that the checkout flow branches on; they must never crash a checkout, which
// degrades to "coupon not applied".
var (
	// ErrNotFound is returned when no active coupon exists for a code.
	ErrNotFound = errors.New("coupon not found")
	// ErrInactive is returned when a coupon has been disabled by an administrator.
	ErrInactive = errors.New("coupon is not active")
	// ErrOutsideWindow is returned when the evaluation time falls outside the
	// coupon's validity window.
	ErrOutsideWindow = errors.New("coupon is outside its validity window")
	// ErrUsageLimitReached is returned when a coupon has exhausted its total
	// redemption limit.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrPerUserLimitReached is returned when the user has already redeemed the
	// coupon the maximum allowed number of times.
	ErrPerUserLimitReached = errors.New("coupon per-user limit reached")
)

// Structural failures. Unlike business rejections these indicate the caller
// supplied an invalid mutation or must retry, not that the coupon declined.
var (
	// ErrInvalidDateRange is returned when a validity window would end at or
	// before its start.
	ErrInvalidDateRange = errors.New("valid-until must be after valid-from")
	// ErrRedemptionConflict is returned when a conditional redemption update
	// loses the race against a concurrent redemption. The caller should re-run
	// validation, which will report the specific limit that is now exhausted.
	ErrRedemptionConflict = errors.New("redemption conflict, coupon state changed")
	// ErrDuplicateCode is returned when creating a coupon whose code is taken.
	ErrDuplicateCode = errors.New("coupon code already exists")
)

// MinimumOrderError rejects an order whose eligible subtotal is below the
// coupon's minimum. It carries the minimum so the storefront can surface it.
type MinimumOrderError struct {
	Minimum decimal.Decimal
}

func (e *MinimumOrderError) Error() string {
	return fmt.Sprintf("minimum order amount of %s required", e.Minimum.StringFixed(2))
}

// IsRejection reports whether err is a business rejection rather than a
// structural or system failure.
func IsRejection(err error) bool {
	var moe *MinimumOrderError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInactive) ||
		errors.Is(err, ErrOutsideWindow) ||
		errors.Is(err, ErrUsageLimitReached) ||
		errors.Is(err, ErrPerUserLimitReached) ||
		errors.As(err, &moe)
}
