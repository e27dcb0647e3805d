package coupon

import (
	"context"
	"time"
)

// Filter selects which coupons a List call returns.
type Filter string

const (
	// FilterAll returns every coupon regardless of state.
	FilterAll Filter = "all"
	// FilterActive returns coupons with the active flag set.
	FilterActive Filter = "active"
	// FilterValid returns coupons that are active, within their validity
	// window, and under their usage limit at the given time.
	FilterValid Filter = "valid"
	// FilterExpired returns coupons whose validity window has passed.
	FilterExpired Filter = "expired"
)

// Repository provides durable storage for coupons. Implementations must make
// RecordRedemption a single atomically-applied conditional update: the usage
// counter increment and the history append happen together, and only when
// both the total and per-user limits still hold.
type Repository interface {
	// Create persists a new coupon. Returns ErrDuplicateCode when the
	// normalized code is already taken.
	Create(ctx context.Context, c *Coupon) error

	// FindByCode looks up an active coupon by code, case-insensitively.
	// Returns ErrNotFound when no matching active coupon exists.
	FindByCode(ctx context.Context, code string) (*Coupon, error)

	// Get looks up a coupon by code regardless of its active flag.
	// Returns ErrNotFound when the code is unknown.
	Get(ctx context.Context, code string) (*Coupon, error)

	// List returns coupons matching the filter, evaluated at the given time.
	List(ctx context.Context, filter Filter, now time.Time) ([]Coupon, error)

	// RecordRedemption appends a usage history entry and increments the usage
	// counter, conditioned on UsedCount < UsageLimit (when set) and on the
	// user's history count staying under PerUserLimit. Returns
	// ErrRedemptionConflict when either condition no longer holds, and
	// ErrNotFound for unknown codes.
	RecordRedemption(ctx context.Context, code string, r Redemption) error

	// SetActive toggles the active flag. Idempotent.
	// Returns ErrNotFound for unknown codes.
	SetActive(ctx context.Context, code string, active bool) error

	// SetValidUntil replaces the validity window end.
	// Returns ErrNotFound for unknown codes.
	SetValidUntil(ctx context.Context, code string, until time.Time) error
}
