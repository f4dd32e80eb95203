package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quok-it/benchbot/internal/config"
	"github.com/quok-it/benchbot/internal/service/rental"
	"github.com/quok-it/benchbot/internal/storage"
)

var (
	runCount       int
	runMarketplace string
	runGPU         string
	runGPUCount    int
	runSkipBench   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of rental benchmarks",
	Long: `Run rents, benchmarks and releases GPUs one at a time.

Each run selects a random available offer, waits for it to boot, connects
over SSH, collects nvidia-smi health data and the benchmark suite, records
the session and terminates the instance. A failed run never stops the batch.`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	addRunFlags(runCmd)
}

func addRunFlags(c *cobra.Command) {
	c.Flags().IntVarP(&runCount, "runs", "n", 1, "Number of sequential runs (0 runs until interrupted)")
	c.Flags().StringVarP(&runMarketplace, "marketplace", "m", "", "Marketplace (hyperbolic, tensordock)")
	c.Flags().StringVarP(&runGPU, "gpu", "g", "", "GPU model substring filter")
	c.Flags().IntVar(&runGPUCount, "gpu-count", 1, "GPUs per rental")
	c.Flags().BoolVar(&runSkipBench, "skip-benchmarks", false, "Collect the health snapshot only")
}

// applyRunOverrides copies explicitly set flags over the loaded config
func applyRunOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("runs") {
		c.Lifecycle.Runs = runCount
	}
	if flags.Changed("marketplace") {
		c.Lifecycle.Marketplace = runMarketplace
	}
	if flags.Changed("gpu") {
		c.Lifecycle.GPUFilter = runGPU
	}
	if flags.Changed("gpu-count") {
		c.Lifecycle.GPUCount = runGPUCount
	}
	if flags.Changed("skip-benchmarks") {
		c.Benchmark.Skip = runSkipBench
	}
}

// batchDeps holds everything a batch needs and releases it on close
type batchDeps struct {
	batch *rental.Batch
	store *storage.SessionStore
	close func()
}

func newBatchDeps(ctx context.Context, c *config.Config, log *slog.Logger) (*batchDeps, error) {
	signer, publicKey, err := loadKeys(c)
	if err != nil {
		return nil, err
	}

	market, err := buildMarketplace(c, publicKey, log)
	if err != nil {
		return nil, err
	}

	db, store, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	recorders, closeRecorders, err := buildRecorders(c, store, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	orchestrator := buildOrchestrator(c, market, signer, recorders, log)

	return &batchDeps{
		batch: rental.NewBatch(orchestrator, c.Lifecycle.Runs, c.Lifecycle.RunInterval, log),
		store: store,
		close: func() {
			closeRecorders()
			db.Close()
		},
	}, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	applyRunOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := newBatchDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	logger.Info("starting benchmark batch",
		slog.String("marketplace", cfg.Lifecycle.Marketplace),
		slog.String("gpu_filter", cfg.Lifecycle.GPUFilter),
		slog.Int("runs", cfg.Lifecycle.Runs))

	summary, err := deps.batch.Run(ctx)
	printSummary(summary)

	if errors.Is(err, context.Canceled) {
		logger.Info("batch interrupted")
		return nil
	}
	return err
}

func printSummary(s rental.BatchSummary) {
	fmt.Printf("Runs: %d  Succeeded: %d  Failed: %d  Aborted: %d\n",
		s.Runs, s.Succeeded, s.Failed, s.Aborted)
}
