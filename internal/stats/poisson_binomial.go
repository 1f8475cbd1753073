package stats

import (
	"math"

	"polysybil/internal/model"
)

// DefaultExactLimit is the largest trade count tested by exact convolution.
const DefaultExactLimit = 500

var (
	ln10          = math.Ln10
	logMinNormal  = math.Log(0x1p-1022)
	logSqrt2Pi    = 0.5 * math.Log(2*math.Pi)
	asymptoticMin = 37.0
)

// Tail is a one-sided upper tail probability P(X >= k).
type Tail struct {
	PValue      float64
	Log10PValue float64
	Method      model.PValueMethod
	// Underflow means PValue lost precision; Log10PValue is still exact.
	Underflow bool
	// Asymptotic means the normal tail was evaluated with its series expansion.
	Asymptotic bool
}

// Unstable reports whether the tail needed any numerical fallback.
func (t Tail) Unstable() bool {
	return t.Underflow || t.Asymptotic
}

// PoissonBinomialTail returns P(X >= k) where X is a sum of independent
// Bernoulli draws with success probabilities probs. Up to exactLimit draws the
// distribution is convolved exactly in log space; above it a
// continuity-corrected normal approximation is used.
func PoissonBinomialTail(probs []float64, k, exactLimit int) Tail {
	n := len(probs)
	if exactLimit <= 0 {
		exactLimit = DefaultExactLimit
	}
	if k <= 0 {
		return Tail{PValue: 1, Log10PValue: 0, Method: model.MethodExact}
	}
	if k > n {
		return Tail{PValue: 0, Log10PValue: math.Inf(-1), Method: model.MethodExact}
	}

	if n <= exactLimit {
		return fromLog(exactLogTail(probs, k), model.MethodExact, false)
	}
	logTail, asymptotic := normalLogTail(probs, k)
	return fromLog(logTail, model.MethodNormal, asymptotic)
}

func fromLog(logTail float64, method model.PValueMethod, asymptotic bool) Tail {
	if logTail > 0 {
		logTail = 0
	}
	return Tail{
		PValue:      math.Exp(logTail),
		Log10PValue: logTail / ln10,
		Method:      method,
		Underflow:   logTail < logMinNormal,
		Asymptotic:  asymptotic,
	}
}

// exactLogTail runs the O(N²) convolution over log probabilities so tails far
// below the float64 range keep their magnitude.
func exactLogTail(probs []float64, k int) float64 {
	n := len(probs)
	logP := make([]float64, n+1)
	for i := range logP {
		logP[i] = math.Inf(-1)
	}
	logP[0] = 0

	for i, p := range probs {
		lp, lq := math.Log(p), math.Log1p(-p)
		for j := i + 1; j >= 1; j-- {
			logP[j] = logAddExp(logP[j]+lq, logP[j-1]+lp)
		}
		logP[0] += lq
	}

	acc := math.Inf(-1)
	for j := n; j >= k; j-- {
		acc = logAddExp(acc, logP[j])
	}
	return acc
}

func normalLogTail(probs []float64, k int) (float64, bool) {
	var mean, variance float64
	for _, p := range probs {
		mean += p
		variance += p * (1 - p)
	}
	sd := math.Sqrt(variance)
	z := (float64(k) - 0.5 - mean) / sd

	if z < asymptoticMin {
		q := 0.5 * math.Erfc(z/math.Sqrt2)
		if q > 0 && math.Log(q) >= logMinNormal {
			return math.Log(q), false
		}
	}

	// Mills ratio series for the standard normal upper tail.
	z2 := z * z
	series := 1 - 1/z2 + 3/(z2*z2) - 15/(z2*z2*z2)
	return -z2/2 - math.Log(z) - logSqrt2Pi + math.Log(series), true
}

// BinomialTail is the closed-form P(X >= k) for X ~ Binomial(n, p).
func BinomialTail(n, k int, p float64) float64 {
	if k <= 0 {
		return 1
	}
	if k > n {
		return 0
	}
	lp, lq := math.Log(p), math.Log1p(-p)
	acc := math.Inf(-1)
	for j := n; j >= k; j-- {
		acc = logAddExp(acc, logChoose(n, j)+float64(j)*lp+float64(n-j)*lq)
	}
	return math.Min(1, math.Exp(acc))
}

func logChoose(n, k int) float64 {
	a, _ := math.Lgamma(float64(n + 1))
	b, _ := math.Lgamma(float64(k + 1))
	c, _ := math.Lgamma(float64(n - k + 1))
	return a - b - c
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
