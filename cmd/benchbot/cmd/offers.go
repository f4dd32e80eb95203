package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quok-it/benchbot/pkg/models"
)

var (
	offersMarketplace string
	offersGPU         string
)

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "List available GPU offers",
	Long: `List offers the configured marketplace reports as available, optionally
narrowed to GPU models containing --gpu. Nothing is rented.`,
	RunE: runOffers,
}

func init() {
	rootCmd.AddCommand(offersCmd)

	offersCmd.Flags().StringVarP(&offersMarketplace, "marketplace", "m", "", "Marketplace (hyperbolic, tensordock)")
	offersCmd.Flags().StringVarP(&offersGPU, "gpu", "g", "", "GPU model substring filter")
}

func runOffers(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("marketplace") {
		cfg.Lifecycle.Marketplace = offersMarketplace
	}
	filter := models.OfferFilter{Name: cfg.Lifecycle.GPUFilter}
	if cmd.Flags().Changed("gpu") {
		filter.Name = offersGPU
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	market, err := buildMarketplace(cfg, "", logger)
	if err != nil {
		return err
	}

	offers, err := market.ListAvailable(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list offers: %w", err)
	}

	return printOffers(os.Stdout, offers, outputFormat)
}

func printOffers(out io.Writer, offers []models.Offer, format string) error {
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].PricePerHour < offers[j].PricePerHour
	})

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(offers)
	}

	if len(offers) == 0 {
		fmt.Fprintln(out, "No offers available")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tCLUSTER\tGPU\tAVAILABLE\tPRICE/HR\tREGION")
	fmt.Fprintln(w, "----\t-------\t---\t---------\t--------\t------")
	for _, o := range offers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.2f\t%s\n",
			o.NodeID,
			o.ClusterName,
			o.GPUModel,
			o.AvailableCount,
			o.PricePerHour,
			o.Region,
		)
	}
	return w.Flush()
}
