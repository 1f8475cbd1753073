package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"

	"polysybil/internal/model"
)

// Export writes stored scores as CSV and/or a score histogram PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	scores, err := store.ListTopScores(ctx, opts.MinScore, opts.MaxRows)
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		a.Logger.Info().Msg("no scores found for export")
		return nil
	}
	a.Logger.Info().Int("rows", len(scores)).Msg("exporting scores")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeScoresCSV(w, scores) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		buckets := histogram(scores, a.Config.Export.HistogramBuckets)
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderHistogram(w, buckets) }); err != nil {
			return err
		}
	}

	return nil
}

func writeScoresCSV(w io.Writer, scores []model.WalletScore) error {
	writer := csv.NewWriter(w)

	header := []string{
		"wallet_address", "insider_score", "total_trades", "wins", "win_rate", "expected_win_rate",
		"p_value", "log10_p_value", "p_value_method", "avg_lead_time_seconds", "size_win_correlation",
		"total_pnl", "cluster_id", "flags",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range scores {
		clusterID := ""
		if s.ClusterID != nil {
			clusterID = *s.ClusterID
		}
		record := []string{
			s.WalletAddress,
			formatFloat(s.InsiderScore),
			strconv.Itoa(s.TotalTrades),
			strconv.Itoa(s.Wins),
			formatFloat(s.WinRate),
			formatFloat(s.ExpectedWinRate),
			formatFloat(s.PValue),
			formatFloat(s.Log10PValue),
			string(s.PValueMethod),
			formatFloat(s.AvgLeadTimeSeconds),
			formatFloat(s.SizeWinCorrelation),
			formatUSDC(s.TotalPnL),
			clusterID,
			s.Flags.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// histogramBucket counts scores in [Low, High); the last bucket includes 100.
type histogramBucket struct {
	Low   float64
	High  float64
	Count int
}

func histogram(scores []model.WalletScore, n int) []histogramBucket {
	if n <= 0 {
		n = 1
	}
	width := 100.0 / float64(n)
	buckets := make([]histogramBucket, n)
	for i := range buckets {
		buckets[i].Low = float64(i) * width
		buckets[i].High = float64(i+1) * width
	}
	for _, s := range scores {
		idx := int(s.InsiderScore / width)
		if idx >= n {
			idx = n - 1
		}
		if idx < 0 {
			idx = 0
		}
		buckets[idx].Count++
	}
	return buckets
}

func renderHistogram(w io.Writer, buckets []histogramBucket) error {
	bars := make([]chart.Value, 0, len(buckets))
	for _, b := range buckets {
		bars = append(bars, chart.Value{
			Label: fmt.Sprintf("%.0f", b.Low),
			Value: float64(b.Count),
		})
	}

	graph := chart.BarChart{
		Title:    "Insider score distribution",
		Width:    1280,
		Height:   720,
		BarWidth: max(8, 1000/len(buckets)),
		YAxis: chart.YAxis{
			Name: "Wallets",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, w)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
