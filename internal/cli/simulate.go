package cli

import (
	"github.com/spf13/cobra"
)

var (
	simulateKind  string
	simulateScore float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic wallet or cluster alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateKind, simulateScore)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "wallet", "Alert kind: wallet or cluster")
	simulateCmd.Flags().Float64Var(&simulateScore, "score", 80, "Insider score, or confidence x100 for clusters")
}
