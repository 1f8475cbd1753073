package storage

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"polysybil/internal/model"
)

// fakeRow replays values into Scan destinations. A nil value leaves the
// destination at its zero value.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if r.values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(r.values[i])
		if !v.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("scan column %d: %s into %s", i, v.Type(), target.Type())
		}
		target.Set(v)
	}
	return nil
}

func sampleScore() model.WalletScore {
	return model.WalletScore{
		WalletAddress:      "0xabc",
		TotalTrades:        20,
		Wins:               18,
		WinRate:            0.9,
		ExpectedWinRate:    0.1,
		AvgLeadTimeSeconds: 1800,
		PValue:             1.2e-14,
		Log10PValue:        -13.92,
		PValueMethod:       model.MethodExact,
		SizeWinCorrelation: 0,
		TotalPnL:           16000.25,
		InsiderScore:       77.78,
		Flags:              model.FlagCorrelationUndefined,
	}
}

func TestWalletScoreRoundTrip(t *testing.T) {
	clusterID := "c-1"
	cases := []struct {
		name      string
		clusterID *string
	}{
		{name: "unclustered"},
		{name: "clustered", clusterID: &clusterID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want := sampleScore()
			want.ClusterID = tc.clusterID

			args, err := walletScoreArgs(want)
			if err != nil {
				t.Fatalf("walletScoreArgs: %v", err)
			}
			if len(args) != 13 {
				t.Fatalf("expected 13 args, got %d", len(args))
			}
			if args[10] != "16000.25" {
				t.Fatalf("expected pnl as decimal string, got %v", args[10])
			}

			var cluster any
			if tc.clusterID != nil {
				cluster = tc.clusterID
			}
			got, err := scanWalletScore(fakeRow{values: append(args[:8:8],
				args[8], args[9], args[10], args[11], args[12], cluster)})
			if err != nil {
				t.Fatalf("scanWalletScore: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestWalletScoreArgsRejectsNonFinitePnL(t *testing.T) {
	s := sampleScore()
	s.TotalPnL = math.Inf(1)
	if _, err := walletScoreArgs(s); err == nil {
		t.Fatal("expected error for infinite pnl")
	}
}

func TestClusterRoundTrip(t *testing.T) {
	funder := "0xfunder"
	want := model.Cluster{
		ID:                  "6f1c",
		Members:             []string{"0xa", "0xb", "0xc"},
		CombinedPnL:         -250.5,
		SharedFundingSource: &funder,
		Confidence:          0.84,
		InternalWeight:      60,
		Density:             1,
		SameSideRatio:       0.75,
	}
	args, err := clusterArgs("gen-1", want)
	if err != nil {
		t.Fatalf("clusterArgs: %v", err)
	}
	got, generation, err := scanCluster(fakeRow{values: args})
	if err != nil {
		t.Fatalf("scanCluster: %v", err)
	}
	if generation != "gen-1" {
		t.Fatalf("expected generation gen-1, got %s", generation)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestTradeRoundTrip(t *testing.T) {
	win := true
	want := model.Trade{
		ID:            "t-1",
		WalletAddress: "0xabc",
		MarketID:      "m-1",
		Side:          model.SideYes,
		EntryPrice:    0.1,
		Size:          1000.5,
		Timestamp:     time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC),
		IsWinner:      &win,
	}
	args, err := tradeArgs(want)
	if err != nil {
		t.Fatalf("tradeArgs: %v", err)
	}
	args[3] = string(want.Side)
	got, err := scanTrade(fakeRow{values: args})
	if err != nil {
		t.Fatalf("scanTrade: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestScanTradeRejectsBadNumeric(t *testing.T) {
	row := fakeRow{values: []any{
		"t-1", "0xabc", "m-1", "Yes", 0.5, "not-a-number", time.Now(), nil,
	}}
	if _, err := scanTrade(row); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScanMarketOutcome(t *testing.T) {
	resolved := time.Date(2024, 11, 6, 0, 0, 0, 0, time.FixedZone("EST", -5*3600))
	outcome := "No"

	m, err := scanMarketOutcome(fakeRow{values: []any{"m-1", &resolved, &outcome}})
	if err != nil {
		t.Fatalf("scanMarketOutcome: %v", err)
	}
	if !m.Resolved() || m.Outcome != model.ResolutionNo {
		t.Fatalf("expected resolved No, got %+v", m)
	}
	if m.ResolutionTime.Location() != time.UTC || !m.ResolutionTime.Equal(resolved) {
		t.Fatalf("expected UTC resolution time, got %v", m.ResolutionTime)
	}

	open, err := scanMarketOutcome(fakeRow{values: []any{"m-2", nil, nil}})
	if err != nil {
		t.Fatalf("scanMarketOutcome: %v", err)
	}
	if open.Resolved() || !open.ResolutionTime.IsZero() {
		t.Fatalf("expected open market, got %+v", open)
	}
}

func TestScanPropagatesRowError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := scanWalletScore(fakeRow{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected row error, got %v", err)
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if _, err := s.ListScorableWallets(t.Context(), 20); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := NewStore(nil).WriteWalletScores(t.Context(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
