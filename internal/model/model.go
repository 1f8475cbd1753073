package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidTradeData marks a malformed trade (price, size, timestamp or outcome).
	ErrInvalidTradeData = errors.New("invalid trade data")
	// ErrIncompleteMarketData marks a trade whose market has not resolved yet.
	ErrIncompleteMarketData = errors.New("incomplete market data")
	// ErrGraphTooLarge aborts graph construction above the configured edge ceiling.
	ErrGraphTooLarge = errors.New("correlation graph too large")
)

// Side is the outcome token a trade holds.
type Side string

const (
	SideYes Side = "Yes"
	SideNo  Side = "No"
)

// ParseSide accepts the spellings used by the venue APIs.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "0":
		return SideYes, nil
	case "no", "n", "1":
		return SideNo, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidTradeData, v)
	}
}

// Resolution is the settled state of a market.
type Resolution string

const (
	ResolutionYes        Resolution = "Yes"
	ResolutionNo         Resolution = "No"
	ResolutionUnresolved Resolution = ""
)

// Trade is a single settled (or pending) position entry.
type Trade struct {
	ID            string
	WalletAddress string
	MarketID      string
	Side          Side
	// EntryPrice is the YES price at entry, strictly inside (0,1).
	EntryPrice float64
	// Size is the notional paid, in USDC.
	Size      float64
	Timestamp time.Time
	// IsWinner is nil until the market resolves.
	IsWinner *bool
}

// MarketOutcome is the resolution record of a market.
type MarketOutcome struct {
	MarketID       string
	ResolutionTime time.Time
	Outcome        Resolution
}

// Resolved reports whether the market has a final outcome.
func (m MarketOutcome) Resolved() bool {
	return m.Outcome == ResolutionYes || m.Outcome == ResolutionNo
}

// Flags carries per-score diagnostics.
type Flags uint8

const (
	// FlagNumericInstability is set when the p-value needed log-space or asymptotic handling.
	FlagNumericInstability Flags = 1 << iota
	// FlagPValueUnderflow is set when the p-value is below the smallest float64;
	// Log10PValue remains exact.
	FlagPValueUnderflow
	// FlagCorrelationUndefined is set when size or win variance is zero.
	FlagCorrelationUndefined
	// FlagNormalApproximation is set when the p-value came from the normal path.
	FlagNormalApproximation
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagNumericInstability, "numeric_instability"},
	{FlagPValueUnderflow, "pvalue_underflow"},
	{FlagCorrelationUndefined, "correlation_undefined"},
	{FlagNormalApproximation, "normal_approximation"},
}

// Has reports whether f contains flag.
func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	parts := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ",")
}

// PValueMethod records how a p-value was computed.
type PValueMethod string

const (
	MethodExact  PValueMethod = "exact"
	MethodNormal PValueMethod = "normal"
)

// WalletScore is the scoring projection of one wallet's trade set.
type WalletScore struct {
	WalletAddress      string
	TotalTrades        int
	Wins               int
	WinRate            float64
	ExpectedWinRate    float64
	AvgLeadTimeSeconds float64
	PValue             float64
	Log10PValue        float64
	PValueMethod       PValueMethod
	SizeWinCorrelation float64
	TotalPnL           float64
	InsiderScore       float64
	Flags              Flags
	// ClusterID is owned by cluster detection.
	ClusterID *string
}

// CorrelationEdge links two wallets; WalletA < WalletB.
type CorrelationEdge struct {
	WalletA         string
	WalletB         string
	Weight          float64
	CoTrades        int
	SameSide        int
	SimilarityBonus float64
}

// Cluster is a detected group of coordinated wallets.
type Cluster struct {
	ID                  string
	Members             []string
	CombinedPnL         float64
	SharedFundingSource *string
	Confidence          float64
	InternalWeight      float64
	Density             float64
	SameSideRatio       float64
}

// CanonicalPair orders two wallet addresses.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// IncompleteMarketError reports the first trade that blocked scoring.
type IncompleteMarketError struct {
	Wallet   string
	MarketID string
	TradeID  string
}

func (e *IncompleteMarketError) Error() string {
	return fmt.Sprintf("wallet %s: market %s unresolved (trade %s)", e.Wallet, e.MarketID, e.TradeID)
}

func (e *IncompleteMarketError) Unwrap() error { return ErrIncompleteMarketData }

// ShortAddress abbreviates a wallet for logs and tables.
func ShortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
