// Command coupon-ingest bulk-imports single-use campaign codes from the
// gzip-compressed feed files marketing vendors deliver. A code is accepted
// only when it appears in at least two feed files, which filters out codes
// from corrupted or partially delivered feeds. Accepted codes are inserted as
// single-use coupons cloned from the campaign parameters given on the command
// line.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
	"github.com/freshmart/coupon-service/internal/storage/postgres"
)

const (
	bloomCapacity = 50_000_000
	bloomFPR      = 0.001
	progressEvery = 5_000_000
	minCodeLen    = 8
	maxCodeLen    = 12
	insertBatch   = 500
)

// campaign holds the coupon parameters every imported code is created with.
type campaign struct {
	discountType string
	value        decimal.Decimal
	minimumOrder decimal.Decimal
	validFrom    time.Time
	validUntil   time.Time
	categories   []string
	createdBy    string
}

func main() {
	var (
		dataDir     string
		databaseURL string
		discount    string
		value       string
		minOrder    string
		from        string
		until       string
		category    string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing vendor feed *.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&discount, "discount-type", "percentage", "discount type for imported codes")
	flag.StringVar(&value, "value", "10", "discount value for imported codes")
	flag.StringVar(&minOrder, "min-order", "0", "minimum order amount for imported codes")
	flag.StringVar(&from, "valid-from", "", "window start, RFC3339 (default: now)")
	flag.StringVar(&until, "valid-until", "", "window end, RFC3339 (required)")
	flag.StringVar(&category, "category", "", "restrict codes to one category (optional)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	camp, err := parseCampaign(discount, value, minOrder, from, until, category)
	if err != nil {
		slog.Error("invalid campaign parameters", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, camp); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func parseCampaign(discount, value, minOrder, from, until, category string) (campaign, error) {
	camp := campaign{
		discountType: discount,
		validFrom:    time.Now().UTC(),
		createdBy:    "coupon-ingest",
	}

	switch coupon.DiscountType(discount) {
	case coupon.DiscountPercentage, coupon.DiscountFixed, coupon.DiscountFreeShipping:
	default:
		return camp, errors.Errorf("unknown discount type %q", discount)
	}

	var err error
	if camp.value, err = decimal.NewFromString(value); err != nil {
		return camp, errors.Wrap(err, "parse value")
	}
	if camp.minimumOrder, err = decimal.NewFromString(minOrder); err != nil {
		return camp, errors.Wrap(err, "parse min-order")
	}

	if from != "" {
		if camp.validFrom, err = time.Parse(time.RFC3339, from); err != nil {
			return camp, errors.Wrap(err, "parse valid-from")
		}
	}
	if until == "" {
		return camp, errors.New("--valid-until is required")
	}
	if camp.validUntil, err = time.Parse(time.RFC3339, until); err != nil {
		return camp, errors.Wrap(err, "parse valid-until")
	}
	if !camp.validUntil.After(camp.validFrom) {
		return camp, errors.New("valid-until must be after valid-from")
	}

	if category != "" {
		camp.categories = []string{category}
	}

	return camp, nil
}

func run(ctx context.Context, dataDir, databaseURL string, camp campaign) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "glob feed files")
	}
	if len(files) < 2 {
		return errors.Errorf("need at least 2 feed files to cross-check, found %d in %s", len(files), dataDir)
	}

	// Pass 1: one bloom filter per feed file, built concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, err := buildBloomFilters(ctx, files)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: keep codes appearing in 2+ feeds.
	slog.Info("pass 2: cross-checking feeds")

	codes, err := crossCheck(ctx, files, filters)
	if err != nil {
		return errors.Wrap(err, "cross-check feeds")
	}

	slog.Info("accepted codes", slog.Int("count", len(codes)))
	if len(codes) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return insertCodes(ctx, pool, codes, camp)
}

func buildBloomFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(buildFilterForFile(ctx, i, f, filters))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return filters, nil
}

func buildFilterForFile(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter) func() error {
	return func() error {
		filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		var count uint64

		if err := streamGzFile(ctx, path, func(code string) {
			if len(code) >= minCodeLen && len(code) <= maxCodeLen {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress",
						slog.String("file", filepath.Base(path)),
						slog.Uint64("codes", count),
					)
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "build filter for %s", path)
		}

		slog.Info("pass 1 complete",
			slog.String("file", filepath.Base(path)),
			slog.Uint64("total_codes", count),
		)

		filters[idx] = filter
		return nil
	}
}

// crossCheck re-streams each feed and tests codes against the OTHER feeds'
// bloom filters. A code is accepted when it appears in 2 or more feeds.
func crossCheck(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]string, error) {
	results := make([]map[string]uint, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(findCandidatesInFile(ctx, i, f, filters, results))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, candidates := range results {
		for code, mask := range candidates {
			merged[code] |= mask
		}
	}

	var accepted []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			accepted = append(accepted, coupon.NormalizeCode(code))
		}
	}

	return accepted, nil
}

func findCandidatesInFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	results []map[string]uint,
) func() error {
	return func() error {
		candidates := make(map[string]uint)
		fileBit := uint(1) << uint(idx)
		var count uint64

		if err := streamGzFile(ctx, path, func(code string) {
			if len(code) < minCodeLen || len(code) > maxCodeLen {
				return
			}

			count++
			if count%progressEvery == 0 {
				slog.Info("pass 2 progress",
					slog.String("file", filepath.Base(path)),
					slog.Uint64("codes", count),
				)
			}

			for j, f := range filters {
				if j == idx {
					continue
				}
				if f.TestString(code) {
					candidates[code] |= fileBit
					break
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "scan %s for candidates", path)
		}

		slog.Info("pass 2 complete",
			slog.String("file", filepath.Base(path)),
			slog.Uint64("total_codes", count),
			slog.Int("candidates", len(candidates)),
		)

		results[idx] = candidates
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

const insertCampaignCodeSQL = `
INSERT INTO coupons (
	code, discount_type, value, minimum_order_amount, maximum_discount,
	usage_limit, per_user_limit, valid_from, valid_until, active,
	applicable_categories, created_by
) VALUES ($1, $2, $3, $4, 0, 1, 1, $5, $6, TRUE, $7, $8)
ON CONFLICT (code) DO NOTHING`

// insertCodes batch-inserts accepted codes as single-use coupons. Codes that
// already exist are skipped so reruns of the same feeds are idempotent.
func insertCodes(ctx context.Context, pool *pgxpool.Pool, codes []string, camp campaign) error {
	slog.Info("writing coupons to database", slog.Int("count", len(codes)))

	categories := camp.categories
	if categories == nil {
		categories = []string{}
	}

	for start := 0; start < len(codes); start += insertBatch {
		end := min(start+insertBatch, len(codes))

		batch := &pgx.Batch{}
		for _, code := range codes[start:end] {
			batch.Queue(insertCampaignCodeSQL,
				code, camp.discountType, camp.value, camp.minimumOrder,
				camp.validFrom, camp.validUntil, categories, camp.createdBy,
			)
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrapf(err, "insert batch at offset %d", start)
		}

		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(codes)))
	}

	return nil
}
