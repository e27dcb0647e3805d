// Package coupon implements the coupon validation and discount calculation
// rules for the storefront: time windows, usage limits, per-user limits,
// category/product eligibility filtering, and discount capping.
package coupon

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the eligible amount.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the eligible amount.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeShipping waives the shipping fee. The waiver itself is applied
	// by the shipping calculator; the coupon contributes no item discount.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// UserRestrictions narrows which users a coupon may target. The fields are
// carried as configured by the administrator; the engine's redemption checks
// do not consult them (see RestrictionsAllow).
type UserRestrictions struct {
	NewUsersOnly      bool
	ExistingUsersOnly bool
	SpecificUsers     []string
}

// Redemption is one entry in a coupon's usage history.
type Redemption struct {
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
	UsedAt         time.Time
}

// Coupon is a discount rule. Codes are stored normalized upper-case and are
// unique across all coupons.
type Coupon struct {
	Code  string
	Type  DiscountType
	Value decimal.Decimal

	// MinimumOrderAmount is the smallest eligible order subtotal the coupon
	// accepts. Zero means no minimum.
	MinimumOrderAmount decimal.Decimal
	// MaximumDiscount caps the computed discount. Zero means uncapped.
	MaximumDiscount decimal.Decimal

	// UsageLimit caps total redemptions across all users. Zero means unlimited.
	UsageLimit int
	// UsedCount tracks total redemptions. Invariant: equals len(UsageHistory)
	// and never exceeds UsageLimit when a limit is set.
	UsedCount int
	// PerUserLimit caps redemptions by a single user. Defaults to 1.
	PerUserLimit int

	ValidFrom  time.Time
	ValidUntil time.Time
	Active     bool

	ApplicableCategories []string
	ApplicableProducts   []string
	ExcludedCategories   []string
	ExcludedProducts     []string

	Restrictions UserRestrictions

	// UsageHistory is the append-only record of redemptions and the source of
	// truth for per-user usage counts.
	UsageHistory []Redemption

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeCode returns the canonical stored form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsExpired reports whether the coupon's validity window has passed at the
// given time. The window end is inclusive.
func (c *Coupon) IsExpired(now time.Time) bool {
	return now.After(c.ValidUntil)
}

// InWindow reports whether now falls within [ValidFrom, ValidUntil], both
// boundaries inclusive.
func (c *Coupon) InWindow(now time.Time) bool {
	return !now.Before(c.ValidFrom) && !now.After(c.ValidUntil)
}

// IsValid reports whether the coupon is redeemable in principle at the given
// time: active, within its window, and under its total usage limit. Per-user
// limits and order minimums depend on the order context and are checked by
// ValidateForRedemption.
func (c *Coupon) IsValid(now time.Time) bool {
	return c.Active && c.InWindow(now) && !c.usageExhausted()
}

// RemainingUsage returns how many redemptions are left, or -1 when unlimited.
func (c *Coupon) RemainingUsage() int {
	if c.UsageLimit <= 0 {
		return -1
	}
	remaining := c.UsageLimit - c.UsedCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsagePercentage returns UsedCount as a percentage of UsageLimit, or 0 when
// the coupon is unlimited.
func (c *Coupon) UsagePercentage() float64 {
	if c.UsageLimit <= 0 {
		return 0
	}
	return float64(c.UsedCount) / float64(c.UsageLimit) * 100
}

// UserUsageCount returns how many times the given user appears in the usage
// history.
func (c *Coupon) UserUsageCount(userID string) int {
	n := 0
	for _, r := range c.UsageHistory {
		if r.UserID == userID {
			n++
		}
	}
	return n
}

func (c *Coupon) usageExhausted() bool {
	return c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit
}

// effectivePerUserLimit returns PerUserLimit, defaulting to 1 when unset.
func (c *Coupon) effectivePerUserLimit() int {
	if c.PerUserLimit <= 0 {
		return 1
	}
	return c.PerUserLimit
}
