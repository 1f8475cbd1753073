package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"polysybil/internal/app"
)

var (
	showLimit    int
	showClusters bool
	showAlerts   bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the stored leaderboard, clusters or alert history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showClusters && showAlerts {
			return fmt.Errorf("--clusters and --alerts are mutually exclusive")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Clusters: showClusters,
			Alerts:   showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showClusters, "clusters", false, "Show clusters instead of wallets")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show recently sent alerts")
}
