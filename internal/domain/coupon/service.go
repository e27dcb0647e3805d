package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Quote is the outcome of applying a coupon to a cart: the eligible subtotal
// after allow/deny filtering and the discount it yields.
type Quote struct {
	Code           string
	EligibleAmount decimal.Decimal
	Discount       decimal.Decimal
	// FreeShipping signals the shipping calculator to waive the fee.
	FreeShipping bool
}

// Engine orchestrates coupon lookup, validation, discount calculation, and
// redemption recording over a Repository. Validation itself stays in the pure
// functions of this package; the engine supplies the clock and the storage.
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates an Engine backed by the given repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// WithClock replaces the engine's time source. For tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Apply validates the coupon against the cart and returns the discount it
// would grant. It is read-only: usage slots are only consumed by Redeem, so
// abandoned checkouts never count against limits.
func (e *Engine) Apply(ctx context.Context, code, userID string, items []Item) (*Quote, error) {
	c, err := e.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	return e.quote(c, userID, items)
}

// Redeem validates the coupon, computes the discount, and records the
// redemption for the confirmed order. When the conditional update loses a
// race against a concurrent redemption, the coupon is re-validated so the
// caller sees the specific limit that is now exhausted.
func (e *Engine) Redeem(ctx context.Context, code, userID, orderID string, items []Item) (*Quote, error) {
	c, err := e.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}

	q, err := e.quote(c, userID, items)
	if err != nil {
		return nil, err
	}

	rec := Redemption{
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: q.Discount,
		UsedAt:         e.now(),
	}
	if err := e.repo.RecordRedemption(ctx, c.Code, rec); err != nil {
		if errors.Is(err, ErrRedemptionConflict) {
			return nil, e.revalidate(ctx, c.Code, userID, items, err)
		}
		return nil, errors.Wrap(err, "record redemption")
	}

	return q, nil
}

// revalidate re-runs validation after a conflict so the caller gets the
// business rejection behind the race instead of a bare conflict error.
func (e *Engine) revalidate(ctx context.Context, code, userID string, items []Item, conflict error) error {
	c, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		return err
	}
	if _, err := e.quote(c, userID, items); err != nil {
		return err
	}
	return conflict
}

func (e *Engine) quote(c *Coupon, userID string, items []Item) (*Quote, error) {
	eligible := EligibleAmount(c, items)

	if err := ValidateForRedemption(c, userID, OrderContext{OrderAmount: eligible, Now: e.now()}); err != nil {
		return nil, err
	}

	return &Quote{
		Code:           c.Code,
		EligibleAmount: eligible,
		Discount:       CalculateDiscount(c, eligible),
		FreeShipping:   c.Type == DiscountFreeShipping,
	}, nil
}

// Create normalizes, defaults, and validates a new coupon before persisting it.
func (e *Engine) Create(ctx context.Context, c *Coupon) error {
	c.Code = NormalizeCode(c.Code)
	if c.PerUserLimit == 0 {
		c.PerUserLimit = 1
	}
	if err := c.Validate(); err != nil {
		return err
	}
	c.CreatedAt = e.now()
	c.UpdatedAt = c.CreatedAt
	return e.repo.Create(ctx, c)
}

// Activate enables the coupon. Idempotent.
func (e *Engine) Activate(ctx context.Context, code string) error {
	return e.repo.SetActive(ctx, NormalizeCode(code), true)
}

// Deactivate disables the coupon without touching any other field. Idempotent.
func (e *Engine) Deactivate(ctx context.Context, code string) error {
	return e.repo.SetActive(ctx, NormalizeCode(code), false)
}

// ExtendValidity moves the validity window end. Returns ErrInvalidDateRange
// when the new end does not fall after the coupon's start.
func (e *Engine) ExtendValidity(ctx context.Context, code string, until time.Time) error {
	c, err := e.repo.Get(ctx, NormalizeCode(code))
	if err != nil {
		return err
	}
	if !until.After(c.ValidFrom) {
		return ErrInvalidDateRange
	}
	return e.repo.SetValidUntil(ctx, c.Code, until)
}

// GetByCode returns the coupon regardless of its active flag. Admin surface.
func (e *Engine) GetByCode(ctx context.Context, code string) (*Coupon, error) {
	return e.repo.Get(ctx, NormalizeCode(code))
}

// List returns coupons matching the filter at the engine's current time.
func (e *Engine) List(ctx context.Context, filter Filter) ([]Coupon, error) {
	return e.repo.List(ctx, filter, e.now())
}
