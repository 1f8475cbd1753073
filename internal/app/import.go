package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"polysybil/internal/model"
	"polysybil/internal/storage"
)

const defaultImportBatch = 1000

// Import loads markets and trades from CSV files. Malformed rows are logged
// and skipped; a dry run only validates.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	if opts.MarketsPath == "" && opts.TradesPath == "" {
		return errors.New("at least one of --markets or --trades must be provided")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultImportBatch
	}

	var markets []storage.MarketRecord
	var trades []model.Trade
	rejected := 0

	if opts.MarketsPath != "" {
		rows, bad, err := readCSVFile(opts.MarketsPath, parseMarketRows)
		if err != nil {
			return err
		}
		markets, rejected = rows, rejected+a.logRejected("markets", bad)
	}
	if opts.TradesPath != "" {
		rows, bad, err := readCSVFile(opts.TradesPath, parseTradeRows)
		if err != nil {
			return err
		}
		trades, rejected = rows, rejected+a.logRejected("trades", bad)
	}

	a.Logger.Info().
		Int("markets", len(markets)).
		Int("trades", len(trades)).
		Int("rejected", rejected).
		Bool("dry_run", opts.DryRun).
		Msg("import parsed")
	if opts.DryRun {
		fmt.Fprintf(a.Out, "markets=%d trades=%d rejected=%d (dry run)\n", len(markets), len(trades), rejected)
		return nil
	}

	store, closeStore, err := a.requireStore(ctx, "import")
	if err != nil {
		return err
	}
	defer closeStore()

	// Markets first so trades can reference them.
	for chunk := range slices.Chunk(markets, opts.BatchSize) {
		if err := store.UpsertMarkets(ctx, chunk); err != nil {
			return err
		}
	}
	for chunk := range slices.Chunk(trades, opts.BatchSize) {
		if err := store.UpsertTrades(ctx, chunk); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.Out, "markets=%d trades=%d rejected=%d\n", len(markets), len(trades), rejected)
	return nil
}

func (a *App) logRejected(file string, errs []error) int {
	for _, err := range errs {
		a.Logger.Warn().Err(err).Str("file", file).Msg("row rejected")
	}
	return len(errs)
}

func readCSVFile[T any](path string, parse func(io.Reader) ([]T, []error, error)) ([]T, []error, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return parse(file)
}

// csvRows reads a headed CSV and calls fn for each data row with a column
// accessor. Errors from fn reject the row; missing columns fail the file.
func csvRows(r io.Reader, required []string, fn func(get func(string) string) error) ([]error, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rejected []error
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		if err := fn(get); err != nil {
			rejected = append(rejected, fmt.Errorf("line %d: %w", line, err))
		}
	}
	return rejected, nil
}

func parseMarketRows(r io.Reader) ([]storage.MarketRecord, []error, error) {
	var markets []storage.MarketRecord
	rejected, err := csvRows(r, []string{"market_id"}, func(get func(string) string) error {
		m := storage.MarketRecord{MarketID: get("market_id"), Question: get("question")}
		if m.MarketID == "" {
			return errors.New("empty market_id")
		}
		if v := get("resolution_time"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("resolution_time: %w", err)
			}
			ts = ts.UTC()
			m.ResolutionTime = &ts
		}
		if v := get("outcome"); v != "" {
			side, err := model.ParseSide(v)
			if err != nil {
				return fmt.Errorf("outcome: %w", err)
			}
			outcome := string(side)
			m.Outcome = &outcome
		}
		if m.Outcome != nil && m.ResolutionTime == nil {
			return errors.New("resolved market without resolution_time")
		}
		markets = append(markets, m)
		return nil
	})
	return markets, rejected, err
}

func parseTradeRows(r io.Reader) ([]model.Trade, []error, error) {
	required := []string{"trade_id", "wallet_address", "market_id", "side", "entry_price", "size", "timestamp"}
	var trades []model.Trade
	rejected, err := csvRows(r, required, func(get func(string) string) error {
		t := model.Trade{
			ID:            get("trade_id"),
			WalletAddress: strings.ToLower(get("wallet_address")),
			MarketID:      get("market_id"),
		}
		if t.ID == "" || t.WalletAddress == "" || t.MarketID == "" {
			return fmt.Errorf("%w: empty identifier", model.ErrInvalidTradeData)
		}

		side, err := model.ParseSide(get("side"))
		if err != nil {
			return err
		}
		t.Side = side

		if t.EntryPrice, err = strconv.ParseFloat(get("entry_price"), 64); err != nil {
			return fmt.Errorf("%w: entry_price: %v", model.ErrInvalidTradeData, err)
		}
		if !(t.EntryPrice > 0 && t.EntryPrice < 1) {
			return fmt.Errorf("%w: entry_price %v outside (0,1)", model.ErrInvalidTradeData, t.EntryPrice)
		}
		if t.Size, err = strconv.ParseFloat(get("size"), 64); err != nil {
			return fmt.Errorf("%w: size: %v", model.ErrInvalidTradeData, err)
		}
		if math.IsNaN(t.Size) || math.IsInf(t.Size, 0) || t.Size < 0 {
			return fmt.Errorf("%w: size %v", model.ErrInvalidTradeData, t.Size)
		}
		ts, err := time.Parse(time.RFC3339, get("timestamp"))
		if err != nil {
			return fmt.Errorf("%w: timestamp: %v", model.ErrInvalidTradeData, err)
		}
		t.Timestamp = ts.UTC()

		if v := get("is_winner"); v != "" {
			win, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: is_winner: %v", model.ErrInvalidTradeData, err)
			}
			t.IsWinner = &win
		}
		trades = append(trades, t)
		return nil
	})
	return trades, rejected, err
}
