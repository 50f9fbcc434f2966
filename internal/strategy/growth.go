package strategy

import "github.com/samcharles93/splatter/internal/sampling"

// GrowthPolicy decides how many splats to add at a refine step and which
// ones to split.
type GrowthPolicy interface {
	// Count returns how many new splats to add given the current population,
	// the cap and the iteration. The caller clamps it to the remaining budget.
	Count(n, capMax, iter int) int
	// Select picks k distinct parents from per-splat scores.
	Select(scores []float32, k int) []int
}

// RateGrowth grows the population by a fixed fraction at every refine step.
type RateGrowth struct {
	Rate float64
}

func (g RateGrowth) Count(n, capMax, _ int) int {
	target := min(capMax, int(float64(n)*(1+g.Rate)))
	return max(0, target-n)
}

func (RateGrowth) Select(scores []float32, k int) []int {
	return sampling.TopK(scores, k)
}

// LinearGrowth spreads the remaining budget evenly over the refine steps
// left before StopIter, so the population reaches the cap at the end of the
// refine window.
type LinearGrowth struct {
	StopIter    int
	RefineEvery int
}

func (g LinearGrowth) Count(n, capMax, iter int) int {
	if n >= capMax || g.RefineEvery <= 0 {
		return 0
	}
	remaining := max(1, (g.StopIter-1-iter)/g.RefineEvery+1)
	return (capMax - n + remaining - 1) / remaining
}

func (LinearGrowth) Select(scores []float32, k int) []int {
	return sampling.TopK(scores, k)
}
