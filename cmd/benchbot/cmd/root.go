package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quok-it/benchbot/internal/config"
	"github.com/quok-it/benchbot/internal/logging"
)

var (
	cfgFile      string
	outputFormat string

	// Populated by the root pre-run hook
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "benchbot",
	Short: "benchbot - rent, benchmark and release marketplace GPUs",
	Long: `benchbot rents a GPU from a marketplace (Hyperbolic or TensorDock),
measures how long it takes to boot and become reachable over SSH, collects
a GPU health snapshot and a benchmark suite, records the session, and
always releases the instance afterwards.

This tool allows you to:
- Run a batch of rental benchmarks
- Serve the session query API while benchmarks run
- Browse available offers
- Inspect recorded sessions`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (defaults to .env and environment)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return err
	}

	// Logs go to stderr so -o json output stays parseable
	logger = logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	return nil
}
