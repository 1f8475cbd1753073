package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"polysybil/internal/model"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func trade(id, wallet, market string, side model.Side, size float64, at time.Time) model.Trade {
	return model.Trade{ID: id, WalletAddress: wallet, MarketID: market, Side: side, EntryPrice: 0.2, Size: size, Timestamp: at}
}

// pairTrades has a and b trade `markets` markets, b following a by gap.
func pairTrades(a, b string, markets int, sizeA, sizeB float64, gap time.Duration) []model.Trade {
	var out []model.Trade
	for i := 0; i < markets; i++ {
		market := fmt.Sprintf("mkt-%d", i)
		at := t0.Add(time.Duration(i) * time.Hour)
		out = append(out,
			trade(market+"-a", a, market, model.SideYes, sizeA, at),
			trade(market+"-b", b, market, model.SideYes, sizeB, at.Add(gap)),
		)
	}
	return out
}

func scoresFor(score float64, wallets ...string) []model.WalletScore {
	out := make([]model.WalletScore, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, model.WalletScore{WalletAddress: w, InsiderScore: score, TotalPnL: 100})
	}
	return out
}

func newTestBuilder(t *testing.T, mutate func(*Options)) *Builder {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	b, err := NewBuilder(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	return b
}

func TestEdgeWeightThreshold(t *testing.T) {
	cases := []struct {
		name     string
		markets  int
		sizeB    float64
		wantEdge bool
		weight   float64
	}{
		{"five markets equal sizes", 5, 100, true, 10},
		{"four markets equal sizes", 4, 100, false, 8},
		{"five markets unequal sizes", 5, 99.5, false, 9.975},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBuilder(t, nil)
			index := NewTradeIndex(pairTrades("0xa", "0xb", tc.markets, 100, tc.sizeB, 120*time.Second))

			g, err := b.Build(context.Background(), scoresFor(60, "0xa", "0xb"), index)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if got := len(g.Edges) == 1; got != tc.wantEdge {
				t.Fatalf("edge present = %v, want %v (%+v)", got, tc.wantEdge, g.Edges)
			}
			if !tc.wantEdge {
				if len(g.Nodes) != 0 {
					t.Fatalf("isolated wallets should be pruned, got %+v", g.Nodes)
				}
				return
			}
			e := g.Edges[0]
			if e.WalletA != "0xa" || e.WalletB != "0xb" || e.CoTrades != tc.markets || e.SameSide != tc.markets {
				t.Fatalf("unexpected edge %+v", e)
			}
			if math.Abs(e.Weight-tc.weight) > 1e-9 {
				t.Fatalf("weight %v, want %v", e.Weight, tc.weight)
			}
			if len(g.Nodes) != 2 || g.Nodes[0].Wallet != "0xa" {
				t.Fatalf("unexpected nodes %+v", g.Nodes)
			}
			if !g.Nodes[0].FirstTrade.Equal(t0) || !g.Nodes[1].FirstTrade.Equal(t0.Add(120*time.Second)) {
				t.Fatalf("first trades not tracked: %+v", g.Nodes)
			}
		})
	}

	// Weight without pruning confirms the arithmetic of the dropped cases.
	b := newTestBuilder(t, func(o *Options) { o.MinEdgeWeight = 0 })
	index := NewTradeIndex(pairTrades("0xa", "0xb", 5, 100, 99.5, 120*time.Second))
	g, err := b.Build(context.Background(), scoresFor(60, "0xa", "0xb"), index)
	if err != nil || len(g.Edges) != 1 {
		t.Fatalf("build: %v %+v", err, g)
	}
	if math.Abs(g.Edges[0].Weight-9.975) > 1e-9 {
		t.Fatalf("weight %v, want 9.975", g.Edges[0].Weight)
	}
}

func TestOneCreditPerMarket(t *testing.T) {
	b := newTestBuilder(t, func(o *Options) { o.MinEdgeWeight = 0 })
	trades := pairTrades("0xa", "0xb", 1, 50, 50, time.Minute)
	// Repeated co-trades in the same market still count once.
	trades = append(trades,
		trade("x1", "0xa", "mkt-0", model.SideNo, 50, t0.Add(2*time.Minute)),
		trade("x2", "0xb", "mkt-0", model.SideNo, 50, t0.Add(3*time.Minute)),
	)
	g, err := b.Build(context.Background(), scoresFor(60, "0xa", "0xb"), NewTradeIndex(trades))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(g.Edges) != 1 || g.Edges[0].CoTrades != 1 || g.Edges[0].SameSide != 1 {
		t.Fatalf("unexpected edges %+v", g.Edges)
	}
	if g.Edges[0].Weight != 2 {
		t.Fatalf("weight %v, want 1 credit + 1 bonus", g.Edges[0].Weight)
	}
}

func TestWindowAndScoreFilter(t *testing.T) {
	b := newTestBuilder(t, func(o *Options) { o.MinEdgeWeight = 0 })

	outside := pairTrades("0xa", "0xb", 3, 10, 10, 301*time.Second)
	g, err := b.Build(context.Background(), scoresFor(60, "0xa", "0xb"), NewTradeIndex(outside))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(g.Edges) != 0 {
		t.Fatalf("trades outside the window should not link, got %+v", g.Edges)
	}

	inside := pairTrades("0xa", "0xlow", 3, 10, 10, time.Second)
	scores := append(scoresFor(60, "0xa"), scoresFor(10, "0xlow")...)
	g, err = b.Build(context.Background(), scores, NewTradeIndex(inside))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(g.Edges) != 0 {
		t.Fatalf("low-score wallets should not enter the graph, got %+v", g.Edges)
	}
}

func TestMinDegreePruning(t *testing.T) {
	// Triangle a-b-c plus a pendant d hanging off c.
	var trades []model.Trade
	trades = append(trades, pairTrades("0xa", "0xb", 5, 10, 10, time.Second)...)
	for _, tr := range pairTrades("0xb", "0xc", 5, 10, 10, time.Second) {
		tr.MarketID += "-bc"
		trades = append(trades, tr)
	}
	for _, tr := range pairTrades("0xa", "0xc", 5, 10, 10, time.Second) {
		tr.MarketID += "-ac"
		trades = append(trades, tr)
	}
	for _, tr := range pairTrades("0xc", "0xd", 5, 10, 10, time.Second) {
		tr.MarketID += "-cd"
		trades = append(trades, tr)
	}
	scores := scoresFor(60, "0xa", "0xb", "0xc", "0xd")

	b := newTestBuilder(t, func(o *Options) { o.MinDegree = 2 })
	g, err := b.Build(context.Background(), scores, NewTradeIndex(trades))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(g.Nodes) != 3 || len(g.Edges) != 3 {
		t.Fatalf("pendant wallet should be pruned, got nodes %+v edges %+v", g.Nodes, g.Edges)
	}
	for _, n := range g.Nodes {
		if n.Wallet == "0xd" {
			t.Fatal("0xd should not survive min degree 2")
		}
	}
}

func TestGraphTooLarge(t *testing.T) {
	b := newTestBuilder(t, func(o *Options) { o.MaxEdges = 2 })
	var trades []model.Trade
	wallets := []string{"0x1", "0x2", "0x3", "0x4"}
	for i, w := range wallets {
		trades = append(trades, trade(fmt.Sprint(i), w, "busy", model.SideYes, 10, t0.Add(time.Duration(i)*time.Second)))
	}
	_, err := b.Build(context.Background(), scoresFor(60, wallets...), NewTradeIndex(trades))
	if !errors.Is(err, model.ErrGraphTooLarge) {
		t.Fatalf("expected ErrGraphTooLarge, got %v", err)
	}
}

func TestBuildCancelled(t *testing.T) {
	b := newTestBuilder(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	index := NewTradeIndex(pairTrades("0xa", "0xb", 5, 100, 100, time.Second))
	if _, err := b.Build(ctx, scoresFor(60, "0xa", "0xb"), index); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
