package main

import (
	"bufio"
	"context"
	"math/bits"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const progressEvery = 10_000_000

type scanOptions struct {
	Quorum            int
	MinLen            int
	MaxLen            int
	Capacity          uint
	FalsePositiveRate float64
}

// scanner finds codes present in at least Quorum batches in two streaming
// passes: the first builds one bloom filter per batch, the second re-reads
// each batch and keeps codes that other filters also report. Bloom false
// positives are resolved by the exact per-batch bitmask merge at the end.
type scanner struct {
	lg   *zap.Logger
	opts scanOptions
}

func newScanner(lg *zap.Logger, opts scanOptions) *scanner {
	return &scanner{lg: lg, opts: opts}
}

func (s *scanner) accept(code string) bool {
	return len(code) >= s.opts.MinLen && len(code) <= s.opts.MaxLen
}

// Scan returns the accepted codes in no particular order.
func (s *scanner) Scan(ctx context.Context, files []string) ([]string, error) {
	if len(files) > bits.UintSize {
		return nil, errors.Errorf("at most %d batches are supported, got %d", bits.UintSize, len(files))
	}

	filters := make([]*bloom.BloomFilter, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f, err := s.filter(gctx, i, path)
			filters[i] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "build filters")
	}

	masks := make([]map[string]uint, len(files))
	g, gctx = errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			m, err := s.candidates(gctx, i, path, filters)
			masks[i] = m
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "find candidates")
	}

	merged := make(map[string]uint)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}
	var out []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= s.opts.Quorum {
			out = append(out, code)
		}
	}
	return out, nil
}

func (s *scanner) filter(ctx context.Context, idx int, path string) (*bloom.BloomFilter, error) {
	f := bloom.NewWithEstimates(s.opts.Capacity, s.opts.FalsePositiveRate)
	var n uint64
	err := streamCodes(ctx, path, func(code string) {
		if !s.accept(code) {
			return
		}
		f.AddString(code)
		if n++; n%progressEvery == 0 {
			s.lg.Info("Pass 1 progress", zap.Int("batch", idx+1), zap.Uint64("codes", n))
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "batch %d", idx+1)
	}
	s.lg.Info("Pass 1 complete", zap.Int("batch", idx+1), zap.Uint64("codes", n))
	return f, nil
}

// candidates returns the codes of batch idx that at least one other filter
// reports, each with bit idx set. Codes a batch repeats count once.
func (s *scanner) candidates(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter) (map[string]uint, error) {
	out := make(map[string]uint)
	bit := uint(1) << uint(idx)
	err := streamCodes(ctx, path, func(code string) {
		if !s.accept(code) {
			return
		}
		for j, f := range filters {
			if j != idx && f.TestString(code) {
				out[code] |= bit
				return
			}
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "batch %d", idx+1)
	}
	s.lg.Info("Pass 2 complete", zap.Int("batch", idx+1), zap.Int("candidates", len(out)))
	return out, nil
}

// streamCodes calls fn for every line of a gzip-compressed file.
func streamCodes(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gz.Close() }()

	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(sc.Text())
	}
	return errors.Wrap(sc.Err(), "read")
}
