package sigtrust

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds SignBatch when no limit is given.
const DefaultBatchConcurrency = 8

// BatchResult pairs a workflow result with its error.
type BatchResult struct {
	Result *Result
	Err    error
}

// SignBatch executes the staged workflows with at most concurrency running
// at once. Results are returned in the order of builders; a failed
// workflow does not stop the others. The returned error is only set when
// ctx ends before every workflow was started.
func (s *Service) SignBatch(ctx context.Context, builders []*SignBuilder, concurrency int) ([]BatchResult, error) {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	results := make([]BatchResult, len(builders))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, b := range builders {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(builders); j++ {
				results[j].Err = err
			}
			_ = g.Wait()
			return results, err
		}
		g.Go(func() error {
			res, err := b.Execute(ctx)
			results[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Info("batch signing completed",
		zap.Int("total", len(builders)),
		zap.Int("failed", failed))
	return results, nil
}
