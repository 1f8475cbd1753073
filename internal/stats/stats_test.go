package stats

import (
	"errors"
	"math"
	"testing"

	"polysybil/internal/model"
)

func boolPtr(v bool) *bool { return &v }

func TestWinProbability(t *testing.T) {
	p, err := WinProbability(model.Trade{Side: model.SideYes, EntryPrice: 0.2})
	if err != nil || p != 0.2 {
		t.Fatalf("yes side: got %v, %v", p, err)
	}
	p, err = WinProbability(model.Trade{Side: model.SideNo, EntryPrice: 0.2})
	if err != nil || math.Abs(p-0.8) > 1e-15 {
		t.Fatalf("no side: got %v, %v", p, err)
	}

	for _, price := range []float64{0, 1, -0.1, 1.5, math.NaN()} {
		if _, err := WinProbability(model.Trade{Side: model.SideYes, EntryPrice: price}); !errors.Is(err, model.ErrInvalidTradeData) {
			t.Fatalf("price %v should be rejected, got %v", price, err)
		}
	}
}

func TestPoissonBinomialMatchesBinomialAtHalf(t *testing.T) {
	for _, n := range []int{20, 21, 35, 64, 200} {
		probs := make([]float64, n)
		for i := range probs {
			probs[i] = 0.5
		}
		for k := 0; k <= n; k++ {
			got := PoissonBinomialTail(probs, k, DefaultExactLimit)
			want := BinomialTail(n, k, 0.5)
			if !closeRel(got.PValue, want, 1e-9) {
				t.Fatalf("n=%d k=%d: poisson-binomial %.17g, binomial %.17g", n, k, got.PValue, want)
			}
			if got.Method != model.MethodExact {
				t.Fatalf("n=%d should use exact method", n)
			}
		}
	}
}

func TestBinomialTailClosedForm(t *testing.T) {
	// Direct sum of C(20,j)/2^20.
	n := 20
	for k := 0; k <= n; k++ {
		var want float64
		c := 1.0
		for j := 0; j <= n; j++ {
			if j >= k {
				want += c
			}
			c = c * float64(n-j) / float64(j+1)
		}
		want /= math.Pow(2, float64(n))
		if got := BinomialTail(n, k, 0.5); !closeRel(got, want, 1e-12) {
			t.Fatalf("k=%d: got %.17g want %.17g", k, got, want)
		}
	}
}

func TestPoissonBinomialMonotoneInWins(t *testing.T) {
	for _, n := range []int{25, 700} {
		probs := make([]float64, n)
		for i := range probs {
			probs[i] = 0.05 + 0.9*float64((i*37)%100)/100
		}
		prev := math.Inf(1)
		for k := 0; k <= n; k++ {
			tail := PoissonBinomialTail(probs, k, DefaultExactLimit)
			if tail.Log10PValue > prev {
				t.Fatalf("n=%d: log p-value increased at k=%d (%v > %v)", n, k, tail.Log10PValue, prev)
			}
			prev = tail.Log10PValue
		}
	}
}

func TestLongOddsWalletIsExtreme(t *testing.T) {
	probs := make([]float64, 20)
	for i := range probs {
		probs[i] = 0.10
	}
	tail := PoissonBinomialTail(probs, 18, DefaultExactLimit)
	if tail.PValue >= 1e-10 {
		t.Fatalf("expected p < 1e-10, got %g", tail.PValue)
	}
	if want := BinomialTail(20, 18, 0.10); !closeRel(tail.PValue, want, 1e-9) {
		t.Fatalf("got %g want %g", tail.PValue, want)
	}
	if tail.Unstable() {
		t.Fatalf("p ~ 1e-16 should not need a fallback")
	}
}

func TestExactTailReportsUnderflowInLogSpace(t *testing.T) {
	probs := make([]float64, 400)
	for i := range probs {
		probs[i] = 0.01
	}
	tail := PoissonBinomialTail(probs, 400, DefaultExactLimit)
	if !tail.Underflow {
		t.Fatal("expected underflow flag")
	}
	if !closeRel(tail.Log10PValue, -800, 1e-9) {
		t.Fatalf("log10 p-value = %v, want -800", tail.Log10PValue)
	}
}

func TestNormalApproximationPath(t *testing.T) {
	n := 1000
	probs := make([]float64, n)
	for i := range probs {
		probs[i] = 0.5
	}
	tail := PoissonBinomialTail(probs, 550, DefaultExactLimit)
	if tail.Method != model.MethodNormal {
		t.Fatalf("n=%d should use the normal approximation", n)
	}
	if want := BinomialTail(n, 550, 0.5); !closeRel(tail.PValue, want, 0.05) {
		t.Fatalf("normal approximation %g too far from binomial %g", tail.PValue, want)
	}

	for i := range probs {
		probs[i] = 0.01
	}
	extreme := PoissonBinomialTail(probs, n, DefaultExactLimit)
	if !extreme.Asymptotic || !extreme.Underflow || !extreme.Unstable() {
		t.Fatalf("expected asymptotic underflow, got %+v", extreme)
	}
	if extreme.PValue != 0 || math.IsInf(extreme.Log10PValue, 0) || extreme.Log10PValue > -1000 {
		t.Fatalf("unexpected extreme tail %+v", extreme)
	}
}

func TestTailEdges(t *testing.T) {
	probs := []float64{0.3, 0.4}
	if got := PoissonBinomialTail(probs, 0, 0); got.PValue != 1 || got.Log10PValue != 0 {
		t.Fatalf("k=0 should be certain, got %+v", got)
	}
	if got := PoissonBinomialTail(probs, 3, 0); got.PValue != 0 {
		t.Fatalf("k>n should be impossible, got %+v", got)
	}
	if got := PoissonBinomialTail(probs, 2, 0); !closeRel(got.PValue, 0.12, 1e-12) {
		t.Fatalf("P(both) = %v, want 0.12", got.PValue)
	}
}

func TestPointBiserial(t *testing.T) {
	r, ok := PointBiserial([]float64{1, 2, 3, 4}, []bool{false, false, true, true})
	if !ok || !closeRel(r, 2/math.Sqrt(5), 1e-12) {
		t.Fatalf("r = %v (%v), want %v", r, ok, 2/math.Sqrt(5))
	}

	if _, ok := PointBiserial([]float64{5, 5, 5}, []bool{true, false, true}); ok {
		t.Fatal("constant sizes should be undefined")
	}
	if _, ok := PointBiserial([]float64{1, 2, 3}, []bool{true, true, true}); ok {
		t.Fatal("constant wins should be undefined")
	}
}

func TestRealizedPnL(t *testing.T) {
	cases := []struct {
		trade model.Trade
		want  float64
	}{
		{model.Trade{Side: model.SideYes, EntryPrice: 0.25, Size: 100, IsWinner: boolPtr(true)}, 300},
		{model.Trade{Side: model.SideNo, EntryPrice: 0.25, Size: 75, IsWinner: boolPtr(true)}, 25},
		{model.Trade{Side: model.SideYes, EntryPrice: 0.6, Size: 40, IsWinner: boolPtr(false)}, -40},
	}
	for _, tc := range cases {
		got, err := RealizedPnL(tc.trade)
		if err != nil || !closeRel(got, tc.want, 1e-12) {
			t.Fatalf("pnl(%+v) = %v, %v; want %v", tc.trade, got, err, tc.want)
		}
	}

	if _, err := RealizedPnL(model.Trade{Side: model.SideYes, EntryPrice: 0.5}); !errors.Is(err, model.ErrIncompleteMarketData) {
		t.Fatalf("missing outcome should be incomplete, got %v", err)
	}
}

func closeRel(got, want, tol float64) bool {
	if got == want {
		return true
	}
	scale := math.Max(math.Abs(got), math.Abs(want))
	return math.Abs(got-want) <= tol*scale
}
