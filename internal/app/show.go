package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"polysybil/internal/model"
	"polysybil/internal/storage"
)

// Show prints the stored leaderboard, cluster list or alert history.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show results")
	if err != nil {
		return err
	}
	defer closeStore()

	switch {
	case opts.Alerts:
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		printAlerts(a.Out, alerts)
	case opts.Clusters:
		clusters, err := store.ListClusters(ctx, opts.Limit)
		if err != nil {
			return err
		}
		printClusters(a.Out, clusters)
	default:
		scores, err := store.ListTopScores(ctx, 0, opts.Limit)
		if err != nil {
			return err
		}
		printLeaderboard(a.Out, scores)
	}

	runs, err := store.ListRecentRuns(ctx, 1)
	if err != nil {
		return err
	}
	if len(runs) == 1 {
		run := runs[0]
		line := fmt.Sprintf("\nlast run %s: %s at %s", shortID(run.ID), run.Status, run.StartedAt.UTC().Format(time.RFC3339))
		if run.Error != nil {
			line += " (" + sanitizeInline(*run.Error) + ")"
		}
		fmt.Fprintln(a.Out, line)
	}
	return nil
}

func printAlerts(w io.Writer, alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "no alerts sent")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent\tKind\tSubject\tScore\tChannels")
	for _, al := range alerts {
		subject := al.Subject
		if al.Kind == storage.AlertKindCluster {
			subject = shortID(subject)
		} else {
			subject = model.ShortAddress(subject)
		}
		channels := "-"
		if len(al.Channels) > 0 {
			channels = strings.Join(al.Channels, ",")
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			al.CreatedAt.UTC().Format(time.RFC3339),
			al.Kind,
			subject,
			al.Score.StringFixed(2),
			channels,
		)
	}
	writer.Flush()
}

func formatUSDC(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func formatLead(seconds float64) string {
	return (time.Duration(seconds) * time.Second).String()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
