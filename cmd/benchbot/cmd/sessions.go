package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quok-it/benchbot/internal/storage"
	"github.com/quok-it/benchbot/pkg/models"
)

var (
	sessionsMarketplace string
	sessionsLimit       int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "Show recorded rental sessions",
	Long: `List recorded rental sessions newest first, or show one session in full
when an ID is given. Reads the local database directly.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringVarP(&sessionsMarketplace, "marketplace", "m", "", "Filter by marketplace")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Maximum sessions to list (0 for all)")
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		session, err := store.Get(ctx, args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("session %s not found", args[0])
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(session)
	}

	sessions, err := store.List(ctx, storage.SessionFilter{
		Marketplace: sessionsMarketplace,
		Limit:       sessionsLimit,
	})
	if err != nil {
		return err
	}

	return printSessions(os.Stdout, sessions, outputFormat)
}

func printSessions(out io.Writer, sessions []*models.RentalSession, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMARKETPLACE\tGPU\tSTARTED\tBOOT\tSSH\tTERMINATION\tERRORS")
	fmt.Fprintln(w, "--\t-----------\t---\t-------\t----\t---\t-----------\t------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			s.SessionID,
			s.Marketplace,
			s.GPUModel,
			s.StartTime.Format("2006-01-02 15:04"),
			formatProbe(s.BootSuccess, s.BootTimeMs, 1000, "s"),
			formatProbe(s.SSHSuccess, s.SSHLatencyMs, 1, "ms"),
			orDash(string(s.TerminationStatus)),
			len(s.Errors),
		)
	}
	return w.Flush()
}

// formatProbe renders an optional outcome with its measurement
func formatProbe(ok *bool, ms *float64, divisor float64, unit string) string {
	switch {
	case ok == nil:
		return "-"
	case !*ok:
		return "failed"
	case ms == nil:
		return "ok"
	default:
		return fmt.Sprintf("%.1f%s", *ms/divisor, unit)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
