// Package graph builds the wallet co-trading graph that cluster detection
// partitions.
package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"polysybil/internal/model"
)

// Options parameterise a Builder.
type Options struct {
	MinInsiderScore    float64
	Window             time.Duration
	MinEdgeWeight      float64
	MinDegree          int
	SimilarityBonusCap float64
	// MaxEdges caps candidate pairs before pruning.
	MaxEdges int
	Workers  int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MinInsiderScore:    25,
		Window:             300 * time.Second,
		MinEdgeWeight:      10,
		MinDegree:          1,
		SimilarityBonusCap: 5,
		MaxEdges:           2_000_000,
		Workers:            4,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	switch {
	case o.Window <= 0:
		return errors.New("graph: window must be positive")
	case o.MinEdgeWeight < 0:
		return errors.New("graph: min edge weight cannot be negative")
	case o.MinDegree < 0:
		return errors.New("graph: min degree cannot be negative")
	case o.SimilarityBonusCap < 0:
		return errors.New("graph: similarity bonus cap cannot be negative")
	case o.MaxEdges <= 0:
		return errors.New("graph: max edges must be positive")
	}
	return nil
}

// TradeIndex groups trades by market ID.
type TradeIndex map[string][]model.Trade

// NewTradeIndex groups trades by market.
func NewTradeIndex(trades []model.Trade) TradeIndex {
	idx := make(TradeIndex)
	for _, t := range trades {
		idx[t.MarketID] = append(idx[t.MarketID], t)
	}
	return idx
}

// Node is a wallet that survived pruning.
type Node struct {
	Wallet       string
	InsiderScore float64
	TotalPnL     float64
	// FirstTrade is the wallet's earliest trade in the index.
	FirstTrade time.Time
}

// Graph is an undirected weighted graph. Nodes are sorted by wallet and edges
// by (WalletA, WalletB).
type Graph struct {
	Nodes []Node
	Edges []model.CorrelationEdge
}

// TotalWeight is the sum of edge weights.
func (g *Graph) TotalWeight() float64 {
	var w float64
	for _, e := range g.Edges {
		w += e.Weight
	}
	return w
}

// Builder constructs correlation graphs.
type Builder struct {
	opts   Options
	logger zerolog.Logger
}

// NewBuilder validates opts and returns a Builder.
func NewBuilder(opts Options, logger zerolog.Logger) (*Builder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Builder{
		opts:   opts,
		logger: logger.With().Str("component", "graph").Logger(),
	}, nil
}

// Options returns the builder's effective options.
func (b *Builder) Options() Options { return b.opts }

type pairKey struct{ a, b string }

type pairStats struct {
	coTrades int
	sameSide int
}

// Build links qualifying wallets that trade the same market within the
// window. Each pair earns at most one co-trade credit per market, however
// many of their trades in that market fall inside the window.
func (b *Builder) Build(ctx context.Context, scores []model.WalletScore, index TradeIndex) (*Graph, error) {
	qualifying := make(map[string]model.WalletScore)
	for _, s := range scores {
		if s.InsiderScore >= b.opts.MinInsiderScore {
			qualifying[s.WalletAddress] = s
		}
	}

	marketIDs := slices.Sorted(maps.Keys(index))
	meanSize, firstTrade := walletProfiles(index, qualifying)

	var (
		mu  sync.Mutex
		acc = make(map[pairKey]*pairStats)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for _, marketID := range marketIDs {
		trades := index[marketID]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			local := b.marketPairs(trades, qualifying)
			if len(local) == 0 {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for key, same := range local {
				ps, ok := acc[key]
				if !ok {
					ps = &pairStats{}
					acc[key] = ps
				}
				ps.coTrades++
				if same {
					ps.sameSide++
				}
			}
			if len(acc) > b.opts.MaxEdges {
				return fmt.Errorf("%w: more than %d candidate pairs at min insider score %.1f; raise the score threshold",
					model.ErrGraphTooLarge, b.opts.MaxEdges, b.opts.MinInsiderScore)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	edges := make([]model.CorrelationEdge, 0, len(acc))
	for key, ps := range acc {
		edge := b.edge(key, ps, meanSize)
		if edge.Weight >= b.opts.MinEdgeWeight {
			edges = append(edges, edge)
		}
	}
	edges = pruneByDegree(edges, b.opts.MinDegree)
	slices.SortFunc(edges, compareEdges)

	graph := &Graph{Edges: edges, Nodes: nodesOf(edges, qualifying, firstTrade)}
	b.logger.Info().
		Int("qualifying_wallets", len(qualifying)).
		Int("markets", len(marketIDs)).
		Int("candidate_pairs", len(acc)).
		Int("nodes", len(graph.Nodes)).
		Int("edges", len(graph.Edges)).
		Msg("correlation graph built")
	return graph, nil
}

// marketPairs returns the wallet pairs that co-traded in one market, with
// whether any of their windowed trades were on the same side.
func (b *Builder) marketPairs(trades []model.Trade, qualifying map[string]model.WalletScore) map[pairKey]bool {
	filtered := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		if _, ok := qualifying[t.WalletAddress]; ok {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) < 2 {
		return nil
	}
	slices.SortFunc(filtered, func(x, y model.Trade) int {
		return cmp.Or(
			x.Timestamp.Compare(y.Timestamp),
			cmp.Compare(x.WalletAddress, y.WalletAddress),
			cmp.Compare(x.ID, y.ID),
		)
	})

	pairs := make(map[pairKey]bool)
	for i, left := range filtered {
		for _, right := range filtered[i+1:] {
			if right.Timestamp.Sub(left.Timestamp) > b.opts.Window {
				break
			}
			if right.WalletAddress == left.WalletAddress {
				continue
			}
			a, c := model.CanonicalPair(left.WalletAddress, right.WalletAddress)
			key := pairKey{a, c}
			pairs[key] = pairs[key] || left.Side == right.Side
		}
	}
	return pairs
}

func (b *Builder) edge(key pairKey, ps *pairStats, meanSize map[string]float64) model.CorrelationEdge {
	sim := sizeSimilarity(meanSize[key.a], meanSize[key.b])
	bonus := sim * math.Min(b.opts.SimilarityBonusCap, float64(ps.coTrades))
	return model.CorrelationEdge{
		WalletA:         key.a,
		WalletB:         key.b,
		Weight:          float64(ps.coTrades) + bonus,
		CoTrades:        ps.coTrades,
		SameSide:        ps.sameSide,
		SimilarityBonus: bonus,
	}
}

func sizeSimilarity(x, y float64) float64 {
	lo, hi := math.Min(x, y), math.Max(x, y)
	if hi <= 0 {
		return 0
	}
	return lo / hi
}

// walletProfiles returns the mean trade size and earliest trade time of each
// qualifying wallet.
func walletProfiles(index TradeIndex, qualifying map[string]model.WalletScore) (map[string]float64, map[string]time.Time) {
	sums := make(map[string]float64, len(qualifying))
	counts := make(map[string]int, len(qualifying))
	first := make(map[string]time.Time, len(qualifying))
	for _, trades := range index {
		for _, t := range trades {
			if _, ok := qualifying[t.WalletAddress]; !ok {
				continue
			}
			sums[t.WalletAddress] += t.Size
			counts[t.WalletAddress]++
			if at, seen := first[t.WalletAddress]; !seen || t.Timestamp.Before(at) {
				first[t.WalletAddress] = t.Timestamp
			}
		}
	}
	means := make(map[string]float64, len(sums))
	for w, s := range sums {
		means[w] = s / float64(counts[w])
	}
	return means, first
}

// pruneByDegree repeatedly drops wallets with fewer than minDegree edges.
func pruneByDegree(edges []model.CorrelationEdge, minDegree int) []model.CorrelationEdge {
	if minDegree <= 1 {
		return edges
	}
	for {
		degree := make(map[string]int)
		for _, e := range edges {
			degree[e.WalletA]++
			degree[e.WalletB]++
		}
		kept := edges[:0:0]
		for _, e := range edges {
			if degree[e.WalletA] >= minDegree && degree[e.WalletB] >= minDegree {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(edges) {
			return kept
		}
		edges = kept
	}
}

func nodesOf(edges []model.CorrelationEdge, scores map[string]model.WalletScore, firstTrade map[string]time.Time) []Node {
	seen := make(map[string]struct{})
	for _, e := range edges {
		seen[e.WalletA] = struct{}{}
		seen[e.WalletB] = struct{}{}
	}
	nodes := make([]Node, 0, len(seen))
	for _, w := range slices.Sorted(maps.Keys(seen)) {
		s := scores[w]
		nodes = append(nodes, Node{Wallet: w, InsiderScore: s.InsiderScore, TotalPnL: s.TotalPnL, FirstTrade: firstTrade[w]})
	}
	return nodes
}

func compareEdges(x, y model.CorrelationEdge) int {
	return cmp.Or(cmp.Compare(x.WalletA, y.WalletA), cmp.Compare(x.WalletB, y.WalletB))
}
