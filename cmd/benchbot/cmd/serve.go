package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quok-it/benchbot/internal/api"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the benchmark batch and serve the session API",
	Long: `Serve runs the same batch as "run" while exposing /health, /ready,
/metrics and the read-only /api/v1/sessions endpoints. The API keeps
serving after the batch finishes until the process is interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addRunFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	server := api.New(deps.store,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		server.SetReady(true)
		summary, err := deps.batch.Run(gctx)
		printSummary(summary)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("batch finished, API still serving",
			slog.Int("runs", summary.Runs),
			slog.Int("succeeded", summary.Succeeded))
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		server.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("serve stopped", slog.String("error", err.Error()))
		return err
	}
	return nil
}
