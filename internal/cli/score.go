package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"polysybil/internal/app"
)

var (
	scoreMinTrades int
	scoreTop       int
	scoreWorkers   int
	scoreWallets   []string
	scoreDryRun    bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score wallets against their implied win probabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scoreTop < 0 {
			return fmt.Errorf("--top must not be negative")
		}
		return getApp().Score(cmd.Context(), app.ScoreOptions{
			Wallets:   scoreWallets,
			MinTrades: scoreMinTrades,
			Workers:   scoreWorkers,
			Top:       scoreTop,
			DryRun:    scoreDryRun,
		})
	},
}

func init() {
	scoreCmd.Flags().IntVar(&scoreMinTrades, "min-trades", 0, "Minimum settled trades to score a wallet (defaults to config)")
	scoreCmd.Flags().IntVar(&scoreTop, "top", 20, "Number of wallets to print, 0 for all")
	scoreCmd.Flags().IntVar(&scoreWorkers, "workers", 0, "Concurrent scoring workers (defaults to config)")
	scoreCmd.Flags().StringSliceVar(&scoreWallets, "wallet", nil, "Score only these wallets (repeatable)")
	scoreCmd.Flags().BoolVar(&scoreDryRun, "dry-run", false, "Compute scores without writing them")
}
