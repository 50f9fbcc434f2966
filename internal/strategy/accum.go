package strategy

// accumulator holds per-splat densification statistics. It is attached to
// the model as a companion so its rows follow every structural change.
type accumulator struct {
	grad  []float32
	count []int32
}

func (a *accumulator) Len() int { return len(a.grad) }

func (a *accumulator) Append(n int) {
	a.grad = append(a.grad, make([]float32, n)...)
	a.count = append(a.count, make([]int32, n)...)
}

func (a *accumulator) Compact(keep []int) {
	for dst, src := range keep {
		a.grad[dst] = a.grad[src]
		a.count[dst] = a.count[src]
	}
	a.grad = a.grad[:len(keep)]
	a.count = a.count[:len(keep)]
}

func (a *accumulator) Reset(idx []int) {
	for _, i := range idx {
		a.grad[i] = 0
		a.count[i] = 0
	}
}

func (a *accumulator) clear() {
	clear(a.grad)
	clear(a.count)
}

func (a *accumulator) add(grad []float32, visible []bool) {
	for i, g := range grad {
		if visible != nil && !visible[i] {
			continue
		}
		a.grad[i] += g
		a.count[i]++
	}
}

// scores returns the mean accumulated gradient per splat.
func (a *accumulator) scores() []float32 {
	out := make([]float32, len(a.grad))
	for i, g := range a.grad {
		if a.count[i] > 0 {
			out[i] = g / float32(a.count[i])
		}
	}
	return out
}
