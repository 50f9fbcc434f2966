package sampling

import "math/rand"

// Order yields indices in [0, n) as a sequence of shuffled passes. Each pass
// visits every index once, and the first index of a pass never repeats the
// last index of the previous one.
type Order struct {
	rng  *rand.Rand
	perm []int
	pos  int
	last int
}

// NewOrder creates an Order over n indices.
func NewOrder(n int, rng *rand.Rand) *Order {
	return &Order{rng: rng, perm: make([]int, n), pos: n, last: -1}
}

// Next returns the next index.
func (o *Order) Next() int {
	n := len(o.perm)
	if n == 0 {
		panic("sampling: Next on empty order")
	}
	if o.pos >= n {
		o.reshuffle()
	}
	i := o.perm[o.pos]
	o.pos++
	o.last = i
	return i
}

func (o *Order) reshuffle() {
	for i := range o.perm {
		o.perm[i] = i
	}
	o.rng.Shuffle(len(o.perm), func(i, j int) { o.perm[i], o.perm[j] = o.perm[j], o.perm[i] })
	if len(o.perm) > 1 && o.perm[0] == o.last {
		j := 1 + o.rng.Intn(len(o.perm)-1)
		o.perm[0], o.perm[j] = o.perm[j], o.perm[0]
	}
	o.pos = 0
}
