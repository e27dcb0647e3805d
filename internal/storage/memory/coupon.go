// Package memory implements the coupon repository in process memory. It is
// used by unit tests and local development; the conditional-update semantics
// match the PostgreSQL implementation.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository stores coupons in a mutex-guarded map keyed by normalized
// code. All returned coupons are copies; mutations go through the repository.
type CouponRepository struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
}

// NewCouponRepository returns an empty in-memory repository.
func NewCouponRepository() *CouponRepository {
	return &CouponRepository{coupons: make(map[string]*coupon.Coupon)}
}

// Create stores a new coupon under its normalized code.
func (r *CouponRepository) Create(_ context.Context, c *coupon.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := coupon.NormalizeCode(c.Code)
	if _, ok := r.coupons[code]; ok {
		return coupon.ErrDuplicateCode
	}
	stored := clone(c)
	stored.Code = code
	r.coupons[code] = stored
	return nil
}

// FindByCode returns a copy of the active coupon with the given code.
func (r *CouponRepository) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.coupons[coupon.NormalizeCode(code)]
	if !ok || !c.Active {
		return nil, coupon.ErrNotFound
	}
	return clone(c), nil
}

// Get returns a copy of the coupon regardless of its active flag.
func (r *CouponRepository) Get(_ context.Context, code string) (*coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return clone(c), nil
}

// List returns copies of coupons matching the filter, evaluated at now.
func (r *CouponRepository) List(_ context.Context, filter coupon.Filter, now time.Time) ([]coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []coupon.Coupon
	for _, c := range r.coupons {
		var match bool
		switch filter {
		case coupon.FilterAll:
			match = true
		case coupon.FilterActive:
			match = c.Active
		case coupon.FilterValid:
			match = c.IsValid(now)
		case coupon.FilterExpired:
			match = c.IsExpired(now)
		default:
			return nil, errors.Errorf("unsupported filter: %q", filter)
		}
		if match {
			out = append(out, *clone(c))
		}
	}
	slices.SortFunc(out, func(a, b coupon.Coupon) int {
		return strings.Compare(a.Code, b.Code)
	})
	return out, nil
}

// RecordRedemption re-checks both limits under the lock before mutating, the
// in-memory equivalent of the conditional UPDATE.
func (r *CouponRepository) RecordRedemption(_ context.Context, code string, rec coupon.Redemption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return coupon.ErrNotFound
	}

	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return coupon.ErrRedemptionConflict
	}
	perUser := c.PerUserLimit
	if perUser <= 0 {
		perUser = 1
	}
	if c.UserUsageCount(rec.UserID) >= perUser {
		return coupon.ErrRedemptionConflict
	}

	c.UsedCount++
	c.UsageHistory = append(c.UsageHistory, rec)
	c.UpdatedAt = rec.UsedAt
	return nil
}

// SetActive toggles the active flag.
func (r *CouponRepository) SetActive(_ context.Context, code string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return coupon.ErrNotFound
	}
	c.Active = active
	return nil
}

// SetValidUntil replaces the validity window end.
func (r *CouponRepository) SetValidUntil(_ context.Context, code string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return coupon.ErrNotFound
	}
	c.ValidUntil = until
	return nil
}

func clone(c *coupon.Coupon) *coupon.Coupon {
	out := *c
	out.ApplicableCategories = slices.Clone(c.ApplicableCategories)
	out.ApplicableProducts = slices.Clone(c.ApplicableProducts)
	out.ExcludedCategories = slices.Clone(c.ExcludedCategories)
	out.ExcludedProducts = slices.Clone(c.ExcludedProducts)
	out.Restrictions.SpecificUsers = slices.Clone(c.Restrictions.SpecificUsers)
	out.UsageHistory = slices.Clone(c.UsageHistory)
	return &out
}
