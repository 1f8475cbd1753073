package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"polysybil/internal/model"
	"polysybil/internal/service"
)

// Leaderboard bands.
const (
	highRiskScore   = 50.0
	mediumRiskScore = 25.0
)

// Score runs one batch scoring pass and prints the leaderboard.
func (a *App) Score(ctx context.Context, opts ScoreOptions) error {
	if opts.MinTrades > 0 {
		a.Config.Scoring.MinTrades = opts.MinTrades
	}
	if opts.Workers > 0 {
		a.Config.Scoring.Workers = opts.Workers
	}
	if err := a.Config.Validate(); err != nil {
		return err
	}

	store, closeStore, err := a.requireStore(ctx, "score wallets")
	if err != nil {
		return err
	}
	defer closeStore()

	svc, closeService, err := a.newService(store, nil)
	if err != nil {
		return err
	}
	defer closeService()

	if opts.DryRun {
		a.Logger.Warn().Msg("score dry-run: nothing will be written")
	}
	summary, err := svc.Score(ctx, service.ScoreOptions{Wallets: opts.Wallets, DryRun: opts.DryRun})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "wallets=%d scored=%d skipped=%d deferred=%d excluded_trades=%d persisted=%d\n\n",
		summary.Wallets, summary.Scored, summary.Skipped, summary.Deferred, summary.ExcludedTrades, summary.Persisted)
	printLeaderboard(a.Out, summary.Top(opts.Top))
	return nil
}

// Detect builds the correlation graph from stored scores and prints clusters.
func (a *App) Detect(ctx context.Context, opts DetectOptions) error {
	cl := &a.Config.Clustering
	if opts.MinScore != nil {
		cl.MinInsiderScore = *opts.MinScore
	}
	if opts.MinEdgeWeight != nil {
		cl.MinEdgeWeight = *opts.MinEdgeWeight
	}
	if opts.MinClusterSize != nil {
		cl.MinClusterSize = *opts.MinClusterSize
	}
	if opts.Window != nil {
		cl.Window = *opts.Window
	}
	if opts.Seed != nil {
		cl.Seed = *opts.Seed
	}
	if err := a.Config.Validate(); err != nil {
		return err
	}

	store, closeStore, err := a.requireStore(ctx, "detect clusters")
	if err != nil {
		return err
	}
	defer closeStore()

	svc, closeService, err := a.newService(store, nil)
	if err != nil {
		return err
	}
	defer closeService()

	if opts.DryRun {
		a.Logger.Warn().Msg("detect dry-run: clusters will not be written")
	}
	result, err := svc.Detect(ctx, service.DetectOptions{DryRun: opts.DryRun})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "generation=%s nodes=%d edges=%d clusters=%d\n\n",
		result.Generation, len(result.Graph.Nodes), len(result.Graph.Edges), len(result.Clusters))
	printClusters(a.Out, result.Clusters)
	return nil
}

func printLeaderboard(w io.Writer, scores []model.WalletScore) {
	if len(scores) == 0 {
		fmt.Fprintln(w, "no scored wallets")
		return
	}

	var high, medium int
	for _, s := range scores {
		switch {
		case s.InsiderScore >= highRiskScore:
			high++
		case s.InsiderScore >= mediumRiskScore:
			medium++
		}
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tWallet\tScore\tWins\tWin%\tExpected%\tLog10 p\tLead\tPnL\tCluster\tFlags")
	for i, s := range scores {
		cluster := "-"
		if s.ClusterID != nil {
			cluster = shortID(*s.ClusterID)
		}
		fmt.Fprintf(writer, "%d\t%s\t%.2f\t%d/%d\t%.1f\t%.1f\t%.2f\t%s\t%s\t%s\t%s\n",
			i+1,
			model.ShortAddress(s.WalletAddress),
			s.InsiderScore,
			s.Wins, s.TotalTrades,
			s.WinRate*100,
			s.ExpectedWinRate*100,
			s.Log10PValue,
			formatLead(s.AvgLeadTimeSeconds),
			formatUSDC(s.TotalPnL),
			cluster,
			s.Flags,
		)
	}
	writer.Flush()

	fmt.Fprintf(w, "\nhigh risk (>= %.0f): %d  medium risk (%.0f-%.0f): %d\n",
		highRiskScore, high, mediumRiskScore, highRiskScore, medium)
}

func printClusters(w io.Writer, clusters []model.Cluster) {
	if len(clusters) == 0 {
		fmt.Fprintln(w, "no clusters found")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cluster\tMembers\tConfidence\tDensity\tSame-side\tPnL\tFunder\tWallets")
	for _, c := range clusters {
		funder := "-"
		if c.SharedFundingSource != nil {
			funder = model.ShortAddress(*c.SharedFundingSource)
		}
		members := make([]string, 0, len(c.Members))
		for _, m := range c.Members {
			members = append(members, model.ShortAddress(m))
		}
		fmt.Fprintf(writer, "%s\t%d\t%.3f\t%.2f\t%.0f%%\t%s\t%s\t%s\n",
			shortID(c.ID),
			len(c.Members),
			c.Confidence,
			c.Density,
			c.SameSideRatio*100,
			formatUSDC(c.CombinedPnL),
			funder,
			strings.Join(members, ","),
		)
	}
	writer.Flush()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
