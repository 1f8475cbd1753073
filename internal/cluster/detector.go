// Package cluster partitions the correlation graph into probable sybil
// clusters with seeded Louvain community detection.
package cluster

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"polysybil/internal/graph"
	"polysybil/internal/model"
)

var clusterNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("polysybil/cluster"))

// FundingLookup resolves the address that funded a wallet before its first
// trade. ok is false when no funding transfer is known. A zero firstTrade
// means the trade history is unknown.
type FundingLookup interface {
	FundingSource(ctx context.Context, wallet string, firstTrade time.Time) (source string, ok bool, err error)
}

// Options parameterise a Detector.
type Options struct {
	MinClusterSize int
	MinConfidence  float64
	Seed           int64
	FundingBoost   float64
	MaxPasses      int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MinClusterSize: 2,
		MinConfidence:  0,
		Seed:           42,
		FundingBoost:   0.25,
		MaxPasses:      50,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	switch {
	case o.MinClusterSize < 2:
		return errors.New("cluster: min cluster size must be at least 2")
	case o.MinConfidence < 0 || o.MinConfidence > 1:
		return errors.New("cluster: min confidence must be within [0,1]")
	case o.FundingBoost < 0 || o.FundingBoost > 1:
		return errors.New("cluster: funding boost must be within [0,1]")
	case o.MaxPasses < 1:
		return errors.New("cluster: max passes must be at least 1")
	}
	return nil
}

// Detector finds clusters in a correlation graph.
type Detector struct {
	opts    Options
	funding FundingLookup
	logger  zerolog.Logger
}

// NewDetector validates opts. funding may be nil.
func NewDetector(opts Options, funding FundingLookup, logger zerolog.Logger) (*Detector, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		opts:    opts,
		funding: funding,
		logger:  logger.With().Str("component", "cluster").Logger(),
	}, nil
}

// Detect partitions g. The same graph and seed always give the same clusters.
func (d *Detector) Detect(ctx context.Context, g *graph.Graph) ([]model.Cluster, error) {
	if g == nil || len(g.Nodes) == 0 || len(g.Edges) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(g.Nodes))
	firstTrade := make(map[string]time.Time, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.Wallet] = i
		firstTrade[n.Wallet] = n.FirstTrade
	}
	edges := make([]weightedEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		a, okA := index[e.WalletA]
		b, okB := index[e.WalletB]
		if !okA || !okB {
			return nil, errors.New("cluster: edge references a wallet missing from the node set")
		}
		edges = append(edges, weightedEdge{a, b, e.Weight})
	}

	rng := rand.New(rand.NewPCG(uint64(d.opts.Seed), 0))
	membership := louvain(len(g.Nodes), edges, rng, d.opts.MaxPasses)

	groups := make(map[int][]int)
	for node, c := range membership {
		groups[c] = append(groups[c], node)
	}

	stats := newGraphStats(g, index)
	var clusters []model.Cluster
	for _, c := range slices.Sorted(maps.Keys(groups)) {
		members := groups[c]
		if len(members) < d.opts.MinClusterSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cl := stats.describe(g, members)
		d.applyFunding(ctx, &cl, firstTrade)
		if cl.Confidence < d.opts.MinConfidence {
			continue
		}
		clusters = append(clusters, cl)
	}

	slices.SortFunc(clusters, func(a, b model.Cluster) int {
		return cmp.Or(cmp.Compare(b.Confidence, a.Confidence), cmp.Compare(a.ID, b.ID))
	})

	d.logger.Info().
		Int("nodes", len(g.Nodes)).
		Int("edges", len(g.Edges)).
		Int("communities", len(groups)).
		Int("clusters", len(clusters)).
		Int64("seed", d.opts.Seed).
		Msg("cluster detection finished")
	return clusters, nil
}

func (d *Detector) applyFunding(ctx context.Context, cl *model.Cluster, firstTrade map[string]time.Time) {
	if d.funding == nil {
		return
	}
	counts := make(map[string]int)
	for _, wallet := range cl.Members {
		if ctx.Err() != nil {
			return
		}
		src, ok, err := d.funding.FundingSource(ctx, wallet, firstTrade[wallet])
		if err != nil {
			d.logger.Warn().Err(err).Str("wallet", model.ShortAddress(wallet)).Msg("funding lookup failed")
			continue
		}
		if ok && src != "" {
			counts[strings.ToLower(src)]++
		}
	}

	var shared string
	for _, src := range slices.Sorted(maps.Keys(counts)) {
		if counts[src] >= 2 && (shared == "" || counts[src] > counts[shared]) {
			shared = src
		}
	}
	if shared == "" {
		return
	}
	cl.SharedFundingSource = &shared
	cl.Confidence += d.opts.FundingBoost * (1 - cl.Confidence)
}

type graphStats struct {
	degree []float64
	total  float64
	adj    map[[2]int]model.CorrelationEdge
}

func newGraphStats(g *graph.Graph, index map[string]int) *graphStats {
	s := &graphStats{
		degree: make([]float64, len(g.Nodes)),
		adj:    make(map[[2]int]model.CorrelationEdge, len(g.Edges)),
	}
	for _, e := range g.Edges {
		a, b := index[e.WalletA], index[e.WalletB]
		s.degree[a] += e.Weight
		s.degree[b] += e.Weight
		s.total += e.Weight
		s.adj[[2]int{min(a, b), max(a, b)}] = e
	}
	return s
}

// describe computes a cluster's aggregates. Confidence is the cluster's
// modularity contribution normalised by its maximum, (f-a)/(1-a), where f is
// the share of member degree that stays internal and a is the member share of
// total degree.
func (s *graphStats) describe(g *graph.Graph, members []int) model.Cluster {
	slices.Sort(members)

	var internal, degree, pnl float64
	var internalEdges, coTrades, sameSide int
	wallets := make([]string, 0, len(members))
	for idx, i := range members {
		node := g.Nodes[i]
		wallets = append(wallets, node.Wallet)
		degree += s.degree[i]
		pnl += node.TotalPnL
		for _, j := range members[idx+1:] {
			e, ok := s.adj[[2]int{i, j}]
			if !ok {
				continue
			}
			internal += e.Weight
			internalEdges++
			coTrades += e.CoTrades
			sameSide += e.SameSide
		}
	}

	var confidence float64
	if degree > 0 {
		f := 2 * internal / degree
		a := degree / (2 * s.total)
		// A cluster spanning the whole graph has no null-model headroom.
		if a >= 1-1e-9 {
			confidence = f
		} else {
			confidence = (f - a) / (1 - a)
		}
	}

	n := len(members)
	cl := model.Cluster{
		ID:             clusterID(wallets),
		Members:        wallets,
		CombinedPnL:    pnl,
		Confidence:     math.Max(0, math.Min(1, confidence)),
		InternalWeight: internal,
		Density:        float64(internalEdges) / float64(n*(n-1)/2),
	}
	if coTrades > 0 {
		cl.SameSideRatio = float64(sameSide) / float64(coTrades)
	}
	return cl
}

// clusterID derives a stable ID from the sorted member list.
func clusterID(members []string) string {
	return uuid.NewSHA1(clusterNamespace, []byte(strings.Join(members, ","))).String()
}
