package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
)

const couponColumns = `code, discount_type, value, minimum_order_amount, maximum_discount,
	usage_limit, used_count, per_user_limit, valid_from, valid_until, active,
	applicable_categories, applicable_products, excluded_categories, excluded_products,
	new_users_only, existing_users_only, specific_users, created_by, created_at, updated_at`

const (
	findByCodeSQL = `SELECT ` + couponColumns + `
		FROM coupons WHERE code = UPPER($1) AND active = TRUE`

	getByCodeSQL = `SELECT ` + couponColumns + `
		FROM coupons WHERE code = UPPER($1)`

	listHistorySQL = `SELECT user_id, order_id, discount_amount, used_at
		FROM coupon_redemptions WHERE coupon_code = $1 ORDER BY used_at`

	insertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	// The FOR UPDATE lock serializes redemptions per coupon. The per-user
	// count must run as its own statement after the lock is acquired: a
	// racing transaction commits its history row before the lock is
	// released, and only a fresh statement snapshot sees that row. Folding
	// the count into the UPDATE would re-evaluate it under the original
	// snapshot on the EvalPlanQual recheck and miss it.
	lockCouponSQL = `SELECT usage_limit, used_count, per_user_limit
		FROM coupons WHERE code = $1 FOR UPDATE`

	countUserRedemptionsSQL = `SELECT count(*) FROM coupon_redemptions
		WHERE coupon_code = $1 AND user_id = $2`

	incrementUsageSQL = `UPDATE coupons
		SET used_count = used_count + 1, updated_at = now()
		WHERE code = $1`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions (id, coupon_code, user_id, order_id, discount_amount, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	setActiveSQL     = `UPDATE coupons SET active = $2, updated_at = now() WHERE code = $1`
	setValidUntilSQL = `UPDATE coupons SET valid_until = $2, updated_at = now() WHERE code = $1`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Create persists a new coupon. A unique violation on the code maps to
// coupon.ErrDuplicateCode.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	_, err := r.pool.Exec(ctx, insertCouponSQL,
		c.Code, string(c.Type), c.Value, c.MinimumOrderAmount, c.MaximumDiscount,
		c.UsageLimit, c.UsedCount, c.PerUserLimit, c.ValidFrom, c.ValidUntil, c.Active,
		textArray(c.ApplicableCategories), textArray(c.ApplicableProducts),
		textArray(c.ExcludedCategories), textArray(c.ExcludedProducts),
		c.Restrictions.NewUsersOnly, c.Restrictions.ExistingUsersOnly,
		textArray(c.Restrictions.SpecificUsers),
		c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrDuplicateCode
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// FindByCode looks up an active coupon by its code (case-insensitive) and
// loads its usage history.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.findOne(ctx, findByCodeSQL, code)
}

// Get looks up a coupon by code regardless of its active flag.
func (r *CouponRepository) Get(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.findOne(ctx, getByCodeSQL, code)
}

func (r *CouponRepository) findOne(ctx context.Context, query, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	history, err := r.loadHistory(ctx, c.Code)
	if err != nil {
		return nil, err
	}
	c.UsageHistory = history

	return &c, nil
}

// List returns coupons matching the filter. The validity and expiry
// predicates are evaluated in SQL against the supplied time, mirroring the
// definitions on the domain type. Usage histories are not loaded for lists.
func (r *CouponRepository) List(ctx context.Context, filter coupon.Filter, now time.Time) ([]coupon.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons`
	args := []any{}

	switch filter {
	case coupon.FilterAll:
	case coupon.FilterActive:
		query += ` WHERE active = TRUE`
	case coupon.FilterValid:
		query += ` WHERE active = TRUE AND valid_from <= $1 AND valid_until >= $1
			AND (usage_limit = 0 OR used_count < usage_limit)`
		args = append(args, now)
	case coupon.FilterExpired:
		query += ` WHERE valid_until < $1`
		args = append(args, now)
	default:
		return nil, errors.Errorf("unsupported filter: %q", filter)
	}
	query += ` ORDER BY code`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing coupons (%s): %w", filter, err)
	}

	coupons, err := pgx.CollectRows(rows, scanCoupon)
	if err != nil {
		return nil, fmt.Errorf("listing coupons (%s): %w", filter, err)
	}
	return coupons, nil
}

// RecordRedemption applies the compare-and-increment and appends the history
// row in a single transaction. The coupon row is locked for the duration, the
// limits are re-checked against committed state, and a limit exhausted by a
// concurrent redemption maps to coupon.ErrRedemptionConflict.
func (r *CouponRepository) RecordRedemption(ctx context.Context, code string, rec coupon.Redemption) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning redemption tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var usageLimit, usedCount, perUserLimit int
	err = tx.QueryRow(ctx, lockCouponSQL, code).Scan(&usageLimit, &usedCount, &perUserLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrNotFound
		}
		return fmt.Errorf("locking coupon %q: %w", code, err)
	}
	if usageLimit > 0 && usedCount >= usageLimit {
		return coupon.ErrRedemptionConflict
	}

	var userCount int
	if err := tx.QueryRow(ctx, countUserRedemptionsSQL, code, rec.UserID).Scan(&userCount); err != nil {
		return fmt.Errorf("counting redemptions for coupon %q: %w", code, err)
	}
	if userCount >= perUserLimit {
		return coupon.ErrRedemptionConflict
	}

	if _, err := tx.Exec(ctx, incrementUsageSQL, code); err != nil {
		return fmt.Errorf("incrementing usage for coupon %q: %w", code, err)
	}

	_, err = tx.Exec(ctx, insertRedemptionSQL,
		uuid.New(), code, rec.UserID, rec.OrderID, rec.DiscountAmount, rec.UsedAt)
	if err != nil {
		return fmt.Errorf("recording redemption for coupon %q: %w", code, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing redemption for coupon %q: %w", code, err)
	}
	return nil
}

// SetActive toggles the active flag.
func (r *CouponRepository) SetActive(ctx context.Context, code string, active bool) error {
	return r.exec(ctx, setActiveSQL, code, active)
}

// SetValidUntil replaces the validity window end.
func (r *CouponRepository) SetValidUntil(ctx context.Context, code string, until time.Time) error {
	return r.exec(ctx, setValidUntilSQL, code, until)
}

func (r *CouponRepository) exec(ctx context.Context, query, code string, arg any) error {
	tag, err := r.pool.Exec(ctx, query, code, arg)
	if err != nil {
		return fmt.Errorf("updating coupon %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

func (r *CouponRepository) loadHistory(ctx context.Context, code string) ([]coupon.Redemption, error) {
	rows, err := r.pool.Query(ctx, listHistorySQL, code)
	if err != nil {
		return nil, fmt.Errorf("loading usage history for coupon %q: %w", code, err)
	}

	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (coupon.Redemption, error) {
		var rec coupon.Redemption
		err := row.Scan(&rec.UserID, &rec.OrderID, &rec.DiscountAmount, &rec.UsedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("loading usage history for coupon %q: %w", code, err)
	}
	return history, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
	)
	err := row.Scan(
		&c.Code, &discountType, &c.Value, &c.MinimumOrderAmount, &c.MaximumDiscount,
		&c.UsageLimit, &c.UsedCount, &c.PerUserLimit, &c.ValidFrom, &c.ValidUntil, &c.Active,
		&c.ApplicableCategories, &c.ApplicableProducts, &c.ExcludedCategories, &c.ExcludedProducts,
		&c.Restrictions.NewUsersOnly, &c.Restrictions.ExistingUsersOnly, &c.Restrictions.SpecificUsers,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	c.Type = coupon.DiscountType(discountType)
	return c, err
}

// textArray maps nil slices to empty arrays so NOT NULL columns accept them.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
