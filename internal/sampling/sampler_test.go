package sampling

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCategoricalSkipsZeroWeights(t *testing.T) {
	t.Parallel()
	weights := []float32{0, 0.5, 0, 2, float32(math.NaN()), 1}
	c, err := NewCategorical(weights, []int{0, 1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if diff := cmp.Diff([]int{1, 3, 5}, c.Support()); diff != "" {
		t.Fatalf("support mismatch (-want +got):\n%s", diff)
	}
	rng := rand.New(rand.NewSource(7))
	counts := map[int]int{}
	for _, i := range c.Draw(rng, 7000) {
		counts[i]++
	}
	for _, bad := range []int{0, 2, 4} {
		if counts[bad] != 0 {
			t.Fatalf("drew index %d with zero weight %d times", bad, counts[bad])
		}
	}
	// Weight 2 out of 3.5 total.
	if frac := float64(counts[3]) / 7000; math.Abs(frac-2/3.5) > 0.03 {
		t.Fatalf("index 3 frequency %.3f, want about %.3f", frac, 2/3.5)
	}
}

func TestCategoricalRespectsSupport(t *testing.T) {
	t.Parallel()
	weights := []float32{5, 1, 5, 1}
	c, err := NewCategorical(weights, []int{1, 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, i := range c.Draw(rand.New(rand.NewSource(1)), 500) {
		if i != 1 && i != 3 {
			t.Fatalf("drew %d outside support", i)
		}
	}
}

func TestCategoricalZeroMass(t *testing.T) {
	t.Parallel()
	_, err := NewCategorical([]float32{0, 0}, []int{0, 1})
	if !errors.Is(err, ErrZeroMass) {
		t.Fatalf("err = %v, want ErrZeroMass", err)
	}
	_, err = NewCategorical([]float32{3}, nil)
	if !errors.Is(err, ErrZeroMass) {
		t.Fatalf("empty support err = %v, want ErrZeroMass", err)
	}
}

func TestCategoricalDeterministic(t *testing.T) {
	t.Parallel()
	c, err := NewCategorical([]float32{0.1, 0.2, 0.3, 0.4}, []int{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := c.Draw(rand.New(rand.NewSource(42)), 64)
	b := c.Draw(rand.New(rand.NewSource(42)), 64)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same seed gave different draws:\n%s", diff)
	}
}

func TestTopK(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	tests := []struct {
		name   string
		scores []float32
		k      int
		want   []int
	}{
		{name: "descending", scores: []float32{1, 5, 3}, k: 2, want: []int{1, 2}},
		{name: "ties by index", scores: []float32{2, 7, 2, 7, 2}, k: 4, want: []int{1, 3, 0, 2}},
		{name: "nan last", scores: []float32{nan, 1, nan, 0}, k: 3, want: []int{1, 3, 0}},
		{name: "k larger than n", scores: []float32{1, 2}, k: 5, want: []int{1, 0}},
		{name: "k zero", scores: []float32{1}, k: 0, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, TopK(tt.scores, tt.k)); diff != "" {
				t.Fatalf("TopK mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOrderPasses(t *testing.T) {
	t.Parallel()
	const n = 5
	o := NewOrder(n, rand.New(rand.NewSource(3)))
	prev := -1
	for pass := range 50 {
		seen := make([]bool, n)
		for range n {
			i := o.Next()
			if i == prev {
				t.Fatalf("pass %d: index %d repeated immediately", pass, i)
			}
			if seen[i] {
				t.Fatalf("pass %d: index %d visited twice", pass, i)
			}
			seen[i] = true
			prev = i
		}
	}
}

func TestOrderSingle(t *testing.T) {
	t.Parallel()
	o := NewOrder(1, rand.New(rand.NewSource(1)))
	for range 3 {
		if got := o.Next(); got != 0 {
			t.Fatalf("Next = %d, want 0", got)
		}
	}
}
