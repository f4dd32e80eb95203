package rental

import (
	"context"
	"log/slog"
	"time"
)

// Runner runs one workflow
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// BatchSummary counts the outcomes of a batch
type BatchSummary struct {
	Runs      int
	Succeeded int
	Failed    int
	Aborted   int
}

// Batch runs workflows sequentially with a pause between runs
type Batch struct {
	runner   Runner
	runs     int
	interval time.Duration
	logger   *slog.Logger
}

// NewBatch creates a batch of runs workflows. runs <= 0 means run until ctx
// is cancelled.
func NewBatch(runner Runner, runs int, interval time.Duration, logger *slog.Logger) *Batch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{
		runner:   runner,
		runs:     runs,
		interval: interval,
		logger:   logger.With(slog.String("component", "batch")),
	}
}

// Run executes the batch. A failed workflow never stops the batch; only
// ctx cancellation does, in which case ctx's error is returned.
func (b *Batch) Run(ctx context.Context) (BatchSummary, error) {
	var summary BatchSummary

	for i := 1; b.runs <= 0 || i <= b.runs; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		b.logger.InfoContext(ctx, "starting rental run",
			slog.Int("run", i),
			slog.Int("of", b.runs))

		result, err := b.runner.Run(ctx)
		summary.Runs++

		switch {
		case err != nil:
			summary.Aborted++
			b.logger.WarnContext(ctx, "run aborted",
				slog.Int("run", i),
				slog.String("error", err.Error()))
		case result.Session != nil && result.Session.Succeeded():
			summary.Succeeded++
		default:
			summary.Failed++
			if result.Session != nil {
				b.logger.WarnContext(ctx, "run recorded errors",
					slog.Int("run", i),
					slog.Any("errors", result.Session.Errors))
			}
		}

		if b.runs > 0 && i == b.runs {
			break
		}

		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-time.After(b.interval):
		}
	}

	b.logger.InfoContext(ctx, "batch complete",
		slog.Int("runs", summary.Runs),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("aborted", summary.Aborted))

	return summary, nil
}
