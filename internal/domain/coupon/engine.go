package coupon

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Item represents a cart line item for eligibility filtering and discount
// calculation.
type Item struct {
	ProductID string
	Category  string
	Price     decimal.Decimal
	Quantity  int
}

// OrderContext carries the order-side inputs to redemption validation.
type OrderContext struct {
	// OrderAmount is the subtotal of discount-eligible items, after allow/deny
	// filtering (see EligibleAmount).
	OrderAmount decimal.Decimal
	// Now is the evaluation time. A zero value means time.Now().
	Now time.Time
}

func (o OrderContext) at() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// ValidateForRedemption checks whether the user may redeem the coupon against
// the given order. Checks run in a fixed order and short-circuit on the first
// failure. The call is read-only: it never mutates the coupon.
func ValidateForRedemption(c *Coupon, userID string, octx OrderContext) error {
	if !c.Active {
		return ErrInactive
	}

	now := octx.at()
	if !c.InWindow(now) {
		return ErrOutsideWindow
	}

	if c.usageExhausted() {
		return ErrUsageLimitReached
	}

	if octx.OrderAmount.LessThan(c.MinimumOrderAmount) {
		return &MinimumOrderError{Minimum: c.MinimumOrderAmount}
	}

	if c.UserUsageCount(userID) >= c.effectivePerUserLimit() {
		return ErrPerUserLimitReached
	}

	return nil
}

// CalculateDiscount computes the discount a validated coupon grants on the
// given eligible order amount. It is a pure function: cap at MaximumDiscount,
// clamp to the order amount, round half-up to 2 decimal places. The result is
// always in [0, orderAmount].
func CalculateDiscount(c *Coupon, orderAmount decimal.Decimal) decimal.Decimal {
	var raw decimal.Decimal
	switch c.Type {
	case DiscountPercentage:
		raw = orderAmount.Mul(c.Value).Div(hundred)
	case DiscountFixed:
		raw = c.Value
	case DiscountFreeShipping:
		// Shipping waiver is handled by the shipping calculator.
		raw = decimal.Zero
	default:
		raw = decimal.Zero
	}

	if c.MaximumDiscount.IsPositive() && raw.GreaterThan(c.MaximumDiscount) {
		raw = c.MaximumDiscount
	}
	if raw.GreaterThan(orderAmount) {
		raw = orderAmount
	}
	if raw.IsNegative() {
		raw = decimal.Zero
	}
	// Rounding can lift a clamped value past an order amount with more than
	// two decimal places, so clamp again, rounding down to stay under it.
	raw = raw.Round(2)
	if raw.GreaterThan(orderAmount) {
		raw = orderAmount.RoundDown(2)
	}
	return raw
}

// EligibleAmount returns the subtotal of items the coupon applies to.
// Allow-lists (empty = no restriction) are checked first, then deny-lists;
// a deny always wins on conflict.
func EligibleAmount(c *Coupon, items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		if !itemEligible(c, item) {
			continue
		}
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

func itemEligible(c *Coupon, item Item) bool {
	if len(c.ApplicableProducts) > 0 && !slices.Contains(c.ApplicableProducts, item.ProductID) {
		return false
	}
	if len(c.ApplicableCategories) > 0 && !slices.Contains(c.ApplicableCategories, item.Category) {
		return false
	}
	if slices.Contains(c.ExcludedProducts, item.ProductID) {
		return false
	}
	return !slices.Contains(c.ExcludedCategories, item.Category)
}

// UserProfile is the minimal user view needed to evaluate UserRestrictions.
type UserProfile struct {
	ID string
	// HasOrdered reports whether the user has completed at least one order.
	HasOrdered bool
}

// RestrictionsAllow evaluates a coupon's UserRestrictions against a user
// profile. It is an optional predicate the checkout flow may apply in
// addition to ValidateForRedemption; the engine's ordered checks never call
// it. Each configured restriction must hold: a coupon configured with both
// NewUsersOnly and ExistingUsersOnly admits no one.
func RestrictionsAllow(c *Coupon, user UserProfile) bool {
	r := c.Restrictions
	if len(r.SpecificUsers) > 0 && !slices.Contains(r.SpecificUsers, user.ID) {
		return false
	}
	if r.NewUsersOnly && user.HasOrdered {
		return false
	}
	if r.ExistingUsersOnly && !user.HasOrdered {
		return false
	}
	return true
}

// Validate checks the structural invariants of a coupon definition. It is
// called at creation time, before the record is persisted.
func (c *Coupon) Validate() error {
	if NormalizeCode(c.Code) == "" {
		return errors.New("code is required")
	}
	switch c.Type {
	case DiscountPercentage, DiscountFixed, DiscountFreeShipping:
	default:
		return errors.Errorf("unsupported discount type: %q", c.Type)
	}
	if c.Value.IsNegative() {
		return errors.New("value must be non-negative")
	}
	if c.Type == DiscountPercentage && c.Value.GreaterThan(hundred) {
		return errors.New("percentage value must not exceed 100")
	}
	if c.MinimumOrderAmount.IsNegative() {
		return errors.New("minimum order amount must be non-negative")
	}
	if c.MaximumDiscount.IsNegative() {
		return errors.New("maximum discount must be non-negative")
	}
	if c.UsageLimit < 0 || c.PerUserLimit < 0 {
		return errors.New("usage limits must be non-negative")
	}
	if !c.ValidFrom.Before(c.ValidUntil) {
		return ErrInvalidDateRange
	}
	return nil
}
