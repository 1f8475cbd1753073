package storage

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"polysybil/internal/model"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func numericArg(v float64, column string) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("%s: %v is not representable as numeric", column, v)
	}
	return decimal.NewFromFloat(v).String(), nil
}

func parseNumeric(s, column string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", column, err)
	}
	return d.InexactFloat64(), nil
}

// walletScoreArgs orders a score for upsertWalletScoreSQL.
func walletScoreArgs(s model.WalletScore) ([]any, error) {
	pnl, err := numericArg(s.TotalPnL, "total_pnl")
	if err != nil {
		return nil, err
	}
	return []any{
		s.WalletAddress,
		s.TotalTrades,
		s.Wins,
		s.WinRate,
		s.ExpectedWinRate,
		s.AvgLeadTimeSeconds,
		s.PValue,
		s.Log10PValue,
		string(s.PValueMethod),
		s.SizeWinCorrelation,
		pnl,
		s.InsiderScore,
		int16(s.Flags),
	}, nil
}

// scanWalletScore reads the walletScoreColumns projection.
func scanWalletScore(row rowScanner) (model.WalletScore, error) {
	var (
		s         model.WalletScore
		method    string
		pnl       string
		flags     int16
		clusterID *string
	)
	if err := row.Scan(
		&s.WalletAddress,
		&s.TotalTrades,
		&s.Wins,
		&s.WinRate,
		&s.ExpectedWinRate,
		&s.AvgLeadTimeSeconds,
		&s.PValue,
		&s.Log10PValue,
		&method,
		&s.SizeWinCorrelation,
		&pnl,
		&s.InsiderScore,
		&flags,
		&clusterID,
	); err != nil {
		return model.WalletScore{}, err
	}

	total, err := parseNumeric(pnl, "total_pnl")
	if err != nil {
		return model.WalletScore{}, err
	}
	s.TotalPnL = total
	s.PValueMethod = model.PValueMethod(method)
	s.Flags = model.Flags(flags)
	s.ClusterID = clusterID
	return s, nil
}

// clusterArgs orders a cluster for insertClusterSQL.
func clusterArgs(generation string, c model.Cluster) ([]any, error) {
	pnl, err := numericArg(c.CombinedPnL, "combined_pnl")
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID,
		generation,
		c.Members,
		pnl,
		c.SharedFundingSource,
		c.Confidence,
		c.InternalWeight,
		c.Density,
		c.SameSideRatio,
	}, nil
}

// scanCluster reads the clusterColumns projection.
func scanCluster(row rowScanner) (model.Cluster, string, error) {
	var (
		c          model.Cluster
		generation string
		pnl        string
	)
	if err := row.Scan(
		&c.ID,
		&generation,
		&c.Members,
		&pnl,
		&c.SharedFundingSource,
		&c.Confidence,
		&c.InternalWeight,
		&c.Density,
		&c.SameSideRatio,
	); err != nil {
		return model.Cluster{}, "", err
	}
	total, err := parseNumeric(pnl, "combined_pnl")
	if err != nil {
		return model.Cluster{}, "", err
	}
	c.CombinedPnL = total
	return c, generation, nil
}

// scanTrade reads the tradeColumns projection.
func scanTrade(row rowScanner) (model.Trade, error) {
	var (
		t    model.Trade
		side string
		size string
		ts   time.Time
	)
	if err := row.Scan(
		&t.ID,
		&t.WalletAddress,
		&t.MarketID,
		&side,
		&t.EntryPrice,
		&size,
		&ts,
		&t.IsWinner,
	); err != nil {
		return model.Trade{}, err
	}
	t.Side = model.Side(side)
	t.Timestamp = ts.UTC()

	v, err := parseNumeric(size, "size")
	if err != nil {
		return model.Trade{}, err
	}
	t.Size = v
	return t, nil
}

// tradeArgs orders a trade for upsertTradeSQL.
func tradeArgs(t model.Trade) ([]any, error) {
	size, err := numericArg(t.Size, "size")
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID,
		t.WalletAddress,
		t.MarketID,
		string(t.Side),
		t.EntryPrice,
		size,
		t.Timestamp,
		t.IsWinner,
	}, nil
}

// scanMarketOutcome reads the marketColumns projection.
func scanMarketOutcome(row rowScanner) (model.MarketOutcome, error) {
	var (
		m        model.MarketOutcome
		resolved *time.Time
		outcome  *string
	)
	if err := row.Scan(&m.MarketID, &resolved, &outcome); err != nil {
		return model.MarketOutcome{}, err
	}
	if resolved != nil {
		m.ResolutionTime = resolved.UTC()
	}
	if outcome != nil {
		m.Outcome = model.Resolution(*outcome)
	}
	return m, nil
}
