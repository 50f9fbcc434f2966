package strategy

import "math"

// maxRatio bounds how many copies share one source during relocation. Higher
// ratios are clamped; the binomial table below covers it.
const maxRatio = 51

var binoms = func() [maxRatio][maxRatio]float64 {
	var t [maxRatio][maxRatio]float64
	for n := range maxRatio {
		t[n][0] = 1
		for k := 1; k <= n; k++ {
			t[n][k] = t[n-1][k-1]
			if k < n {
				t[n][k] += t[n-1][k]
			}
		}
	}
	return t
}()

// relocate returns the activated opacity and the scale multiplier for a
// splat that is about to be rendered as ratio identical copies, so that the
// copies composite to approximately the original footprint.
//
// The opacity solves 1-(1-o')^ratio = o. The scale multiplier is
// o / sum_{i=1..ratio} sum_{k=0..i-1} C(i-1,k) (-1)^k o'^(k+1) / sqrt(k+1).
func relocate(opacity float64, ratio int) (newOpacity, scale float64) {
	ratio = max(1, min(ratio, maxRatio))
	if ratio == 1 {
		return opacity, 1
	}
	newOpacity = 1 - math.Pow(1-opacity, 1/float64(ratio))

	var denom float64
	for i := 1; i <= ratio; i++ {
		for k := 0; k < i; k++ {
			term := binoms[i-1][k] / math.Sqrt(float64(k+1)) * math.Pow(newOpacity, float64(k+1))
			if k%2 == 1 {
				term = -term
			}
			denom += term
		}
	}
	if denom <= 0 {
		return newOpacity, 1
	}
	return newOpacity, opacity / denom
}
