// Command coupon-ingest turns gzip-compressed coupon code batches into
// single-use coupon promotions. A code is accepted when it appears in at
// least --quorum of the batches.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-order-core/internal/storage/postgres"
)

const writeChunk = 1000

func main() {
	var (
		pattern     string
		databaseURL string
		opts        scanOptions
	)
	flag.StringVar(&pattern, "files", "data/couponbase*.gz", "glob of gzip-compressed code batches")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.Quorum, "quorum", 2, "number of batches a code must appear in")
	flag.IntVar(&opts.MinLen, "min-len", 8, "shortest accepted code")
	flag.IntVar(&opts.MaxLen, "max-len", 10, "longest accepted code")
	flag.UintVar(&opts.Capacity, "bloom-capacity", 120_000_000, "expected codes per batch")
	flag.Float64Var(&opts.FalsePositiveRate, "bloom-fpr", 0.001, "bloom filter false positive rate")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, pattern, databaseURL, opts); err != nil {
		lg.Fatal("Coupon ingest failed", zap.Error(err))
	}
	lg.Info("Coupon ingest completed")
}

func run(ctx context.Context, lg *zap.Logger, pattern, databaseURL string, opts scanOptions) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "glob batches")
	}
	if len(files) < opts.Quorum {
		return errors.Errorf("found %d batches matching %q, quorum is %d", len(files), pattern, opts.Quorum)
	}
	sort.Strings(files)

	codes, err := newScanner(lg, opts).Scan(ctx, files)
	if err != nil {
		return errors.Wrap(err, "scan batches")
	}
	lg.Info("Accepted codes", zap.Int("count", len(codes)))
	if len(codes) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	repo := postgres.NewPromotionRepository(pool)

	promotions := couponPromotions(codes)
	for start := 0; start < len(promotions); start += writeChunk {
		end := min(start+writeChunk, len(promotions))
		if err := repo.UpsertPromotions(ctx, promotions[start:end]); err != nil {
			return errors.Wrapf(err, "write promotions %d-%d", start, end)
		}
		lg.Info("Write progress", zap.Int("written", end), zap.Int("total", len(promotions)))
	}
	return nil
}
