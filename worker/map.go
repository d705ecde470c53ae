package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Map calls fn for every item with at most workers concurrent calls and
// returns the results in input order. Items not processed because ctx was
// canceled keep the zero value of R, and the context error is returned.
func Map[T, R any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) R) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// Small batches are not worth the goroutines.
	if workers == 1 || len(items) <= 2 {
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			results[i] = fn(ctx, item)
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = fn(gctx, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}
