// Package scoring turns a wallet's settled trades into a WalletScore.
//
// Scoring is a pure function of the wallet's trade set, the market outcomes
// those trades reference, and Options. Nothing is cached between calls, so a
// Scorer is safe to share across goroutines.
package scoring

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"polysybil/internal/model"
	"polysybil/internal/stats"
)

// Weights blend the normalised score components into the 0-100 composite.
// Only their ratios matter; they are divided by their sum.
type Weights struct {
	// PValue weights -log10(p) scaled by Options.PValueLog10Cap.
	PValue float64
	// WinRate weights the win rate in excess of the implied expectation.
	WinRate float64
	// LeadTime weights how close to resolution the wallet enters.
	LeadTime float64
	// SizeCorrelation weights positive size/win correlation.
	SizeCorrelation float64
	// Volume weights the trade count above MinTrades.
	Volume float64
}

// DefaultWeights let significance and win excess alone carry a wallet into
// the top quartile; timing, sizing and volume only refine the ranking.
func DefaultWeights() Weights {
	return Weights{
		PValue:          0.55,
		WinRate:         0.25,
		LeadTime:        0.10,
		SizeCorrelation: 0.07,
		Volume:          0.03,
	}
}

func (w Weights) sum() float64 {
	return w.PValue + w.WinRate + w.LeadTime + w.SizeCorrelation + w.Volume
}

// Options parameterise a Scorer.
type Options struct {
	MinTrades        int
	ExactLimit       int
	Weights          Weights
	PValueLog10Cap   float64
	LeadTimeFloor    time.Duration
	LeadTimeCeiling  time.Duration
	VolumeSaturation int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MinTrades:        20,
		ExactLimit:       stats.DefaultExactLimit,
		Weights:          DefaultWeights(),
		PValueLog10Cap:   15,
		LeadTimeFloor:    time.Hour,
		LeadTimeCeiling:  24 * time.Hour,
		VolumeSaturation: 100,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	w := o.Weights
	switch {
	case o.MinTrades < 1:
		return errors.New("scoring: min trades must be at least 1")
	case o.ExactLimit < 1:
		return errors.New("scoring: exact limit must be at least 1")
	case w.PValue < 0 || w.WinRate < 0 || w.LeadTime < 0 || w.SizeCorrelation < 0 || w.Volume < 0:
		return errors.New("scoring: weights cannot be negative")
	case w.sum() <= 0:
		return errors.New("scoring: at least one weight must be positive")
	case o.PValueLog10Cap <= 0:
		return errors.New("scoring: p-value log10 cap must be positive")
	case o.LeadTimeFloor <= 0 || o.LeadTimeCeiling <= o.LeadTimeFloor:
		return errors.New("scoring: lead time ceiling must exceed a positive floor")
	}
	return nil
}

// MarketIndex maps market IDs to their outcomes.
type MarketIndex map[string]model.MarketOutcome

// Exclusion records a trade dropped as invalid.
type Exclusion struct {
	TradeID string
	Err     error
}

// Result is the outcome of scoring one wallet. Skipped means the wallet had
// too few valid trades to carry evidence; Score then only holds the address
// and the valid trade count.
type Result struct {
	Score    model.WalletScore
	Skipped  bool
	Excluded []Exclusion
}

// Scorer computes wallet scores.
type Scorer struct {
	opts Options
}

// New validates opts and builds a Scorer.
func New(opts Options) (*Scorer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{opts: opts}, nil
}

// Options returns the scorer configuration.
func (s *Scorer) Options() Options { return s.opts }

type scoredTrade struct {
	trade   model.Trade
	prob    float64
	win     bool
	leadSec float64
	pnl     float64
}

// Score evaluates wallet over trades. A trade on an unresolved market aborts
// with *model.IncompleteMarketError; malformed trades are excluded.
func (s *Scorer) Score(wallet string, trades []model.Trade, markets MarketIndex) (Result, error) {
	ordered := slices.Clone(trades)
	slices.SortFunc(ordered, compareTrades)

	res := Result{Score: model.WalletScore{WalletAddress: wallet}}
	valid := make([]scoredTrade, 0, len(ordered))

	for _, t := range ordered {
		st, err := s.prepare(wallet, t, markets)
		if err == nil {
			valid = append(valid, st)
			continue
		}
		if errors.Is(err, model.ErrIncompleteMarketData) {
			return Result{}, err
		}
		res.Excluded = append(res.Excluded, Exclusion{TradeID: t.ID, Err: err})
	}

	res.Score.TotalTrades = len(valid)
	if len(valid) < s.opts.MinTrades {
		res.Skipped = true
		return res, nil
	}

	s.fill(&res.Score, valid)
	return res, nil
}

func (s *Scorer) prepare(wallet string, t model.Trade, markets MarketIndex) (scoredTrade, error) {
	if t.WalletAddress != "" && t.WalletAddress != wallet {
		return scoredTrade{}, fmt.Errorf("%w: trade %s belongs to %s", model.ErrInvalidTradeData, t.ID, t.WalletAddress)
	}
	prob, err := stats.WinProbability(t)
	if err != nil {
		return scoredTrade{}, err
	}
	if math.IsNaN(t.Size) || math.IsInf(t.Size, 0) || t.Size < 0 {
		return scoredTrade{}, fmt.Errorf("%w: size %v", model.ErrInvalidTradeData, t.Size)
	}
	if t.Timestamp.IsZero() {
		return scoredTrade{}, fmt.Errorf("%w: trade %s has no timestamp", model.ErrInvalidTradeData, t.ID)
	}

	market, ok := markets[t.MarketID]
	if !ok || !market.Resolved() || market.ResolutionTime.IsZero() || t.IsWinner == nil {
		return scoredTrade{}, &model.IncompleteMarketError{Wallet: wallet, MarketID: t.MarketID, TradeID: t.ID}
	}

	won := string(t.Side) == string(market.Outcome)
	if *t.IsWinner != won {
		return scoredTrade{}, fmt.Errorf("%w: trade %s winner flag disagrees with market outcome %s", model.ErrInvalidTradeData, t.ID, market.Outcome)
	}
	if t.Timestamp.After(market.ResolutionTime) {
		return scoredTrade{}, fmt.Errorf("%w: trade %s placed after resolution", model.ErrInvalidTradeData, t.ID)
	}
	pnl, err := stats.RealizedPnL(t)
	if err != nil {
		return scoredTrade{}, err
	}

	return scoredTrade{
		trade:   t,
		prob:    prob,
		win:     won,
		leadSec: market.ResolutionTime.Sub(t.Timestamp).Seconds(),
		pnl:     pnl,
	}, nil
}

func (s *Scorer) fill(score *model.WalletScore, trades []scoredTrade) {
	n := len(trades)
	probs := make([]float64, n)
	sizes := make([]float64, n)
	wins := make([]bool, n)

	var winCount int
	var probSum, leadSum, pnl float64
	for i, st := range trades {
		probs[i] = st.prob
		sizes[i] = st.trade.Size
		wins[i] = st.win
		probSum += st.prob
		leadSum += st.leadSec
		pnl += st.pnl
		if st.win {
			winCount++
		}
	}

	tail := stats.PoissonBinomialTail(probs, winCount, s.opts.ExactLimit)
	corr, defined := stats.PointBiserial(sizes, wins)

	score.Wins = winCount
	score.WinRate = float64(winCount) / float64(n)
	score.ExpectedWinRate = probSum / float64(n)
	score.AvgLeadTimeSeconds = leadSum / float64(n)
	score.PValue = tail.PValue
	score.Log10PValue = tail.Log10PValue
	score.PValueMethod = tail.Method
	score.SizeWinCorrelation = corr
	score.TotalPnL = pnl

	var flags model.Flags
	if tail.Unstable() {
		flags |= model.FlagNumericInstability
	}
	if tail.Underflow {
		flags |= model.FlagPValueUnderflow
	}
	if tail.Method == model.MethodNormal {
		flags |= model.FlagNormalApproximation
	}
	if !defined {
		flags |= model.FlagCorrelationUndefined
	}
	score.Flags = flags

	score.InsiderScore = s.composite(*score)
}

// Components are the normalised [0,1] inputs of the composite score.
type Components struct {
	PValue          float64
	WinRate         float64
	LeadTime        float64
	SizeCorrelation float64
	Volume          float64
}

// Components derives the composite inputs from a computed score.
func (s *Scorer) Components(score model.WalletScore) Components {
	o := s.opts
	c := Components{
		PValue:          clamp01(-score.Log10PValue / o.PValueLog10Cap),
		SizeCorrelation: clamp01(score.SizeWinCorrelation),
	}

	if score.ExpectedWinRate < 1 {
		c.WinRate = clamp01((score.WinRate - score.ExpectedWinRate) / (1 - score.ExpectedWinRate))
	}

	floor := o.LeadTimeFloor.Seconds()
	ceiling := o.LeadTimeCeiling.Seconds()
	switch lead := score.AvgLeadTimeSeconds; {
	case lead <= floor:
		c.LeadTime = 1
	case lead >= ceiling:
		c.LeadTime = 0
	default:
		c.LeadTime = 1 - math.Log(lead/floor)/math.Log(ceiling/floor)
	}

	if o.VolumeSaturation > o.MinTrades {
		c.Volume = clamp01(float64(score.TotalTrades-o.MinTrades) / float64(o.VolumeSaturation-o.MinTrades))
	} else if score.TotalTrades >= o.MinTrades {
		c.Volume = 1
	}
	return c
}

func (s *Scorer) composite(score model.WalletScore) float64 {
	w := s.opts.Weights
	c := s.Components(score)
	total := w.PValue*c.PValue +
		w.WinRate*c.WinRate +
		w.LeadTime*c.LeadTime +
		w.SizeCorrelation*c.SizeCorrelation +
		w.Volume*c.Volume
	return math.Max(0, math.Min(100, 100*total/w.sum()))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func compareTrades(a, b model.Trade) int {
	return cmp.Or(
		a.Timestamp.Compare(b.Timestamp),
		cmp.Compare(a.MarketID, b.MarketID),
		cmp.Compare(a.ID, b.ID),
		cmp.Compare(a.Side, b.Side),
		cmp.Compare(a.EntryPrice, b.EntryPrice),
		cmp.Compare(a.Size, b.Size),
	)
}
