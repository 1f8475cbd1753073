package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"polysybil/internal/app"
)

var (
	detectMinScore       float64
	detectMinEdgeWeight  float64
	detectMinClusterSize int
	detectWindow         string
	detectSeed           int64
	detectDryRun         bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Build the co-trading graph and detect sybil clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		opts := app.DetectOptions{DryRun: detectDryRun}
		if flags.Changed("min-score") {
			opts.MinScore = &detectMinScore
		}
		if flags.Changed("min-edge-weight") {
			opts.MinEdgeWeight = &detectMinEdgeWeight
		}
		if flags.Changed("min-cluster-size") {
			opts.MinClusterSize = &detectMinClusterSize
		}
		if flags.Changed("window") {
			window, err := parseWindow(detectWindow)
			if err != nil {
				return err
			}
			opts.Window = &window
		}
		if flags.Changed("seed") {
			opts.Seed = &detectSeed
		}
		return getApp().Detect(cmd.Context(), opts)
	},
}

// parseWindow accepts a bare number of seconds or a Go duration.
func parseWindow(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("--window must be positive, got %q", v)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("--window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--window must be positive, got %q", v)
	}
	return d, nil
}

func init() {
	detectCmd.Flags().Float64Var(&detectMinScore, "min-score", 0, "Minimum insider score for graph inclusion (defaults to config)")
	detectCmd.Flags().Float64Var(&detectMinEdgeWeight, "min-edge-weight", 0, "Minimum edge weight kept in the graph (defaults to config)")
	detectCmd.Flags().IntVar(&detectMinClusterSize, "min-cluster-size", 0, "Minimum wallets per reported cluster (defaults to config)")
	detectCmd.Flags().StringVar(&detectWindow, "window", "", "Co-trade time window in seconds (300) or as a duration (5m); defaults to config")
	detectCmd.Flags().Int64Var(&detectSeed, "seed", 0, "Random seed for community detection (defaults to config)")
	detectCmd.Flags().BoolVar(&detectDryRun, "dry-run", false, "Detect without writing clusters")
}
