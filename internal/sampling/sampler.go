// Package sampling provides the seeded random draws used by density control
// and camera scheduling. Every sampler owns its *rand.Rand so runs are
// reproducible from a single seed and never touch the global source.
package sampling

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// ErrZeroMass is returned when a categorical distribution has no positive weight.
var ErrZeroMass = errors.New("sampling: distribution has zero total weight")

// Categorical draws indices with probability proportional to non-negative
// weights.
type Categorical struct {
	cdf []float64
	idx []int
}

// NewCategorical builds a distribution over the indices in support, weighted
// by weights[support[i]]. Non-positive, NaN and infinite weights are
// excluded.
func NewCategorical(weights []float32, support []int) (*Categorical, error) {
	c := &Categorical{
		cdf: make([]float64, 0, len(support)),
		idx: make([]int, 0, len(support)),
	}
	var total float64
	for _, i := range support {
		w := float64(weights[i])
		if !(w > 0) || math.IsInf(w, 0) {
			continue
		}
		total += w
		c.cdf = append(c.cdf, total)
		c.idx = append(c.idx, i)
	}
	if total == 0 {
		return nil, ErrZeroMass
	}
	return c, nil
}

// Support returns the indices with positive mass.
func (c *Categorical) Support() []int { return c.idx }

// Draw samples n indices with replacement.
func (c *Categorical) Draw(rng *rand.Rand, n int) []int {
	out := make([]int, n)
	total := c.cdf[len(c.cdf)-1]
	for k := range out {
		r := rng.Float64() * total
		j := sort.SearchFloat64s(c.cdf, r)
		// SearchFloat64s returns the first cdf >= r; r == cdf[j] belongs to j+1.
		for j < len(c.cdf)-1 && c.cdf[j] <= r {
			j++
		}
		out[k] = c.idx[j]
	}
	return out
}

// TopK returns the indices of the k largest scores in descending order.
// Equal scores are ordered by ascending index so the result is deterministic.
// NaN scores are ranked last.
func TopK(scores []float32, k int) []int {
	k = min(k, len(scores))
	if k <= 0 {
		return nil
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := scores[idx[a]], scores[idx[b]]
		if sa != sa {
			return false
		}
		if sb != sb {
			return true
		}
		return sa > sb
	})
	return idx[:k]
}

// Normal3 draws three independent standard normal values.
func Normal3(rng *rand.Rand) [3]float32 {
	return [3]float32{float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64())}
}
