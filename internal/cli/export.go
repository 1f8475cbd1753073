package cli

import (
	"github.com/spf13/cobra"

	"polysybil/internal/app"
)

var (
	exportPNGPath  string
	exportCSVPath  string
	exportMinScore float64
	exportMaxRows  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export wallet scores as CSV and/or a score histogram PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			PNGPath:  exportPNGPath,
			CSVPath:  exportCSVPath,
			MinScore: exportMinScore,
			MaxRows:  exportMaxRows,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the score histogram PNG")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().Float64Var(&exportMinScore, "min-score", 0, "Only export wallets at or above this score")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum rows to export (defaults to config)")
}
