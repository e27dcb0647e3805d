// Command seed-db loads sample coupons into the database for local
// development and demos. Reruns are idempotent: coupons that already exist
// are left untouched.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
	"github.com/freshmart/coupon-service/internal/storage/postgres"
)

type couponJSON struct {
	Code  string          `json:"code"`
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`

	MinimumOrderAmount decimal.Decimal `json:"minimum_order_amount"`
	MaximumDiscount    decimal.Decimal `json:"maximum_discount"`

	UsageLimit   int `json:"usage_limit"`
	PerUserLimit int `json:"per_user_limit"`

	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Active     bool      `json:"active"`

	ApplicableCategories []string `json:"applicable_categories"`
	ApplicableProducts   []string `json:"applicable_products"`
	ExcludedCategories   []string `json:"excluded_categories"`
	ExcludedProducts     []string `json:"excluded_products"`
}

func main() {
	var (
		databaseURL string
		couponsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&couponsFile, "coupons-file", "db/seed/coupons.json", "path to coupons JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, couponsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, couponsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	engine := coupon.NewEngine(postgres.NewCouponRepository(pool))

	return seedCoupons(ctx, engine, couponsFile)
}

func seedCoupons(ctx context.Context, engine *coupon.Engine, couponsFile string) error {
	slog.Info("reading coupons file", slog.String("path", couponsFile))

	data, err := os.ReadFile(couponsFile)
	if err != nil {
		return errors.Wrap(err, "read coupons file")
	}

	var seeds []couponJSON
	if err := json.Unmarshal(data, &seeds); err != nil {
		return errors.Wrap(err, "parse coupons JSON")
	}

	slog.Info("creating coupons", slog.Int("count", len(seeds)))

	for _, s := range seeds {
		c := &coupon.Coupon{
			Code:               s.Code,
			Type:               coupon.DiscountType(s.Type),
			Value:              s.Value,
			MinimumOrderAmount: s.MinimumOrderAmount,
			MaximumDiscount:    s.MaximumDiscount,
			UsageLimit:         s.UsageLimit,
			PerUserLimit:       s.PerUserLimit,
			ValidFrom:          s.ValidFrom,
			ValidUntil:         s.ValidUntil,
			Active:             s.Active,

			ApplicableCategories: s.ApplicableCategories,
			ApplicableProducts:   s.ApplicableProducts,
			ExcludedCategories:   s.ExcludedCategories,
			ExcludedProducts:     s.ExcludedProducts,

			CreatedBy: "seed-db",
		}

		switch err := engine.Create(ctx, c); {
		case err == nil:
			slog.Info("created coupon", slog.String("code", c.Code))
		case errors.Is(err, coupon.ErrDuplicateCode):
			slog.Info("coupon already exists, skipping", slog.String("code", c.Code))
		default:
			return errors.Wrapf(err, "create coupon %s", s.Code)
		}
	}

	return nil
}
