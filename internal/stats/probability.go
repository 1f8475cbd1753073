// Package stats holds the probability model and the significance tests
// behind wallet scoring.
package stats

import (
	"fmt"
	"math"

	"polysybil/internal/model"
)

// WinProbability returns the implied probability that the side held by t wins.
// Every trade is its own Bernoulli draw; callers must not average these into a
// single rate before testing.
func WinProbability(t model.Trade) (float64, error) {
	p := t.EntryPrice
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		return 0, fmt.Errorf("%w: entry price %v outside (0,1)", model.ErrInvalidTradeData, p)
	}
	switch t.Side {
	case model.SideYes:
		return p, nil
	case model.SideNo:
		return 1 - p, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", model.ErrInvalidTradeData, t.Side)
	}
}

// RealizedPnL is the profit of a settled trade: shares bought at the implied
// probability q pay 1 each on a win, the notional is lost otherwise.
func RealizedPnL(t model.Trade) (float64, error) {
	q, err := WinProbability(t)
	if err != nil {
		return 0, err
	}
	if t.IsWinner == nil {
		return 0, fmt.Errorf("%w: trade %s has no outcome", model.ErrIncompleteMarketData, t.ID)
	}
	if *t.IsWinner {
		return t.Size * (1/q - 1), nil
	}
	return -t.Size, nil
}

// PointBiserial is the correlation between trade size and the win indicator.
// defined is false when either series has zero variance; r is then 0.
func PointBiserial(sizes []float64, wins []bool) (r float64, defined bool) {
	n := len(sizes)
	if n < 2 || n != len(wins) {
		return 0, false
	}

	lo, hi := sizes[0], sizes[0]
	var sum, sumWin float64
	var nWin int
	for i, s := range sizes {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
		sum += s
		if wins[i] {
			sumWin += s
			nWin++
		}
	}
	nLoss := n - nWin
	if lo == hi || nWin == 0 || nLoss == 0 {
		return 0, false
	}

	mean := sum / float64(n)
	var ss float64
	for _, s := range sizes {
		d := s - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(n))
	if sd == 0 {
		return 0, false
	}

	meanWin := sumWin / float64(nWin)
	meanLoss := (sum - sumWin) / float64(nLoss)
	frac := math.Sqrt(float64(nWin) * float64(nLoss) / (float64(n) * float64(n)))
	r = (meanWin - meanLoss) / sd * frac
	return math.Max(-1, math.Min(1, r)), true
}
