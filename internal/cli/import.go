package cli

import (
	"github.com/spf13/cobra"

	"polysybil/internal/app"
)

var (
	importMarkets   string
	importTrades    string
	importDryRun    bool
	importBatchSize int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load markets and trades from CSV files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Import(cmd.Context(), app.ImportOptions{
			MarketsPath: importMarkets,
			TradesPath:  importTrades,
			DryRun:      importDryRun,
			BatchSize:   importBatchSize,
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importMarkets, "markets", "", "CSV with market_id,question,resolution_time,outcome")
	importCmd.Flags().StringVar(&importTrades, "trades", "", "CSV with trade_id,wallet_address,market_id,side,entry_price,size,timestamp,is_winner")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate without writing to storage")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 1000, "Rows per write transaction")
}
