package splat

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/splatter/internal/tensor"
)

// tagCompanion stores one tag per row so tests can check that rows move in
// lockstep with the model.
type tagCompanion struct {
	tags []float32
}

func (c *tagCompanion) Append(n int) { c.tags = append(c.tags, make([]float32, n)...) }
func (c *tagCompanion) Len() int     { return len(c.tags) }
func (c *tagCompanion) Reset(idx []int) {
	for _, i := range idx {
		c.tags[i] = 0
	}
}
func (c *tagCompanion) Compact(keep []int) {
	for dst, src := range keep {
		c.tags[dst] = c.tags[src]
	}
	c.tags = c.tags[:len(keep)]
}

// batchWithIDs builds n splats whose mean x coordinate equals start+i.
func batchWithIDs(start, n, shDegree int) Batch {
	b := NewBatch(n, shDegree)
	for i := range n {
		b.Means.Row(i)[0] = float32(start + i)
	}
	return b
}

func newTaggedModel(t *testing.T, n, budget int) (*Model, *tagCompanion) {
	t.Helper()
	m := New(1, budget)
	c := &tagCompanion{}
	if err := m.Attach(c); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := m.Add(batchWithIDs(0, n, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := range c.tags {
		c.tags[i] = float32(i)
	}
	return m, c
}

func TestAddReturnsRangeAndKeepsAlignment(t *testing.T) {
	t.Parallel()
	m, c := newTaggedModel(t, 4, 0)
	gen := m.Generation()

	r, err := m.Add(batchWithIDs(4, 3, 1))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if r != (Range{Start: 4, End: 7}) {
		t.Fatalf("range: got %+v", r)
	}
	if m.Size() != 7 || c.Len() != 7 {
		t.Fatalf("size %d companion %d, want 7", m.Size(), c.Len())
	}
	if m.Generation() == gen {
		t.Fatal("Add did not bump generation")
	}
	if diff := cmp.Diff([]float32{0, 1, 2, 3, 0, 0, 0}, c.tags); diff != "" {
		t.Fatalf("new companion rows must be zero (-want +got):\n%s", diff)
	}
	if err := m.CheckAligned(); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveCompactsEveryArrayInLockstep(t *testing.T) {
	t.Parallel()
	m, c := newTaggedModel(t, 6, 0)

	removed, err := m.Remove([]bool{true, false, true, false, false, true})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed %d, want 3", removed)
	}
	means := m.Param(AttrMeans)
	var xs []float32
	for i := range m.Size() {
		xs = append(xs, means.Row(i)[0])
	}
	if diff := cmp.Diff([]float32{1, 3, 4}, xs); diff != "" {
		t.Fatalf("survivor order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(xs, c.tags); diff != "" {
		t.Fatalf("companion misaligned with means (-means +companion):\n%s", diff)
	}
	if err := m.CheckAligned(); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Remove([]bool{true}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("short mask: got %v, want ErrShapeMismatch", err)
	}
}

func TestRelocateResetsOnlyRequestedRows(t *testing.T) {
	t.Parallel()
	m, c := newTaggedModel(t, 5, 0)

	b := batchWithIDs(100, 2, 1)
	if err := m.Relocate([]int{1, 3}, b, []int{3}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if got := m.Param(AttrMeans).Row(1)[0]; got != 100 {
		t.Fatalf("row 1 x = %v, want 100", got)
	}
	if got := m.Param(AttrMeans).Row(3)[0]; got != 101 {
		t.Fatalf("row 3 x = %v, want 101", got)
	}
	if diff := cmp.Diff([]float32{0, 1, 2, 0, 4}, c.tags); diff != "" {
		t.Fatalf("companion reset (-want +got):\n%s", diff)
	}

	if err := m.ReplaceSubset([]int{2, 2}, batchWithIDs(0, 2, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("duplicate index: got %v", err)
	}
	if err := m.ReplaceSubset([]int{9}, batchWithIDs(0, 1, 1)); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("out of range: got %v", err)
	}
}

func TestAddRespectsBudget(t *testing.T) {
	t.Parallel()
	m, c := newTaggedModel(t, 3, 4)
	if _, err := m.Add(batchWithIDs(3, 2, 1)); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("got %v, want ErrBudgetExceeded", err)
	}
	if m.Size() != 3 || c.Len() != 3 {
		t.Fatalf("failed add must not change population, got %d/%d", m.Size(), c.Len())
	}
	if _, err := m.Add(batchWithIDs(3, 1, 1)); err != nil {
		t.Fatalf("add within budget: %v", err)
	}
}

func TestAddRejectsWrongWidths(t *testing.T) {
	t.Parallel()
	m := New(2, 0)
	if _, err := m.Add(NewBatch(2, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("got %v, want ErrShapeMismatch", err)
	}
}

func TestRandomOperationSequenceStaysAligned(t *testing.T) {
	t.Parallel()
	m, _ := newTaggedModel(t, 16, 64)
	rng := rand.New(rand.NewSource(3))

	for step := range 200 {
		n := m.Size()
		switch rng.Intn(3) {
		case 0:
			add := rng.Intn(5)
			if n+add <= m.MaxSplats() {
				if _, err := m.Add(batchWithIDs(1000+step, add, 1)); err != nil {
					t.Fatalf("step %d add: %v", step, err)
				}
			}
		case 1:
			mask := make([]bool, n)
			for i := range mask {
				mask[i] = rng.Intn(8) == 0
			}
			if _, err := m.Remove(mask); err != nil {
				t.Fatalf("step %d remove: %v", step, err)
			}
		case 2:
			if n == 0 {
				continue
			}
			idx := rng.Perm(n)[:rng.Intn(n)+1]
			if err := m.Relocate(idx, batchWithIDs(0, len(idx), 1), idx); err != nil {
				t.Fatalf("step %d relocate: %v", step, err)
			}
		}
		if err := m.CheckAligned(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if m.Size() > m.MaxSplats() {
			t.Fatalf("step %d: size %d exceeds budget", step, m.Size())
		}
	}
}

func TestSnapshotNeverObservesPartialMutation(t *testing.T) {
	t.Parallel()
	m, _ := newTaggedModel(t, 8, 0)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := m.Snapshot()
			n := s.Len()
			for a := range NumAttrs {
				if s.Attr(a).R != n {
					t.Errorf("snapshot %s has %d rows, means has %d", a, s.Attr(a).R, n)
					return
				}
			}
		}
	}()

	for i := range 200 {
		if _, err := m.Add(batchWithIDs(i, 2, 1)); err != nil {
			t.Fatalf("add: %v", err)
		}
		mask := make([]bool, m.Size())
		mask[0] = true
		if _, err := m.Remove(mask); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	m, _ := newTaggedModel(t, 3, 0)
	m.SetActiveSHDegree(5)
	if m.ActiveSHDegree() != 1 {
		t.Fatalf("active degree clamped: got %d want 1", m.ActiveSHDegree())
	}
	s := m.Snapshot()
	back, err := FromSnapshot(s, 10)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if diff := cmp.Diff(s.Batch, back.Snapshot().Batch); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if back.ActiveSHDegree() != 1 {
		t.Fatalf("active SH degree lost: %d", back.ActiveSHDegree())
	}
	if _, err := FromSnapshot(s, 2); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("budget check: got %v", err)
	}
}

func TestFromPointCloudSeedsAttributes(t *testing.T) {
	t.Parallel()
	pc := PointCloud{Positions: tensor.NewMat(4, 3), Colors: tensor.NewMat(4, 3)}
	for i := range 4 {
		pc.Positions.Row(i)[0] = float32(i)
		pc.Colors.Row(i)[0] = 1
	}
	m, err := FromPointCloud(pc, InitOptions{SHDegree: 2, InitOpacity: 0.1, InitScale: 1})
	if err != nil {
		t.Fatalf("FromPointCloud: %v", err)
	}
	if m.Size() != 4 {
		t.Fatalf("size %d", m.Size())
	}
	if got := m.Opacity(0); math.Abs(float64(got-0.1)) > 1e-5 {
		t.Fatalf("opacity %v, want 0.1", got)
	}
	if got := SHToRGB(m.Param(AttrSH).Row(2)[0]); math.Abs(float64(got-1)) > 1e-5 {
		t.Fatalf("red channel %v, want 1", got)
	}
	// Unit spacing on a line: the 3 nearest neighbours of point 0 are at 1, 2, 3.
	wantScale := math.Sqrt((1.0 + 4 + 9) / 3)
	if got := m.Scale(0)[0]; math.Abs(float64(got)-wantScale) > 1e-4 {
		t.Fatalf("scale %v, want %v", got, wantScale)
	}
	if got := m.Param(AttrRotations).Row(3); got[0] != 1 {
		t.Fatalf("rotation not identity: %v", got)
	}
}

func TestFromPointCloudSubsamplesToBudget(t *testing.T) {
	t.Parallel()
	pc := PointCloud{Positions: tensor.NewMat(50, 3)}
	tensor.FillRand(&pc.Positions, 1, 1)
	m, err := FromPointCloud(pc, InitOptions{SHDegree: 0, MaxSplats: 20, Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatalf("FromPointCloud: %v", err)
	}
	if m.Size() != 20 {
		t.Fatalf("size %d, want 20", m.Size())
	}
	if _, err := FromPointCloud(PointCloud{}, InitOptions{}); !errors.Is(err, ErrEmptyPointCloud) {
		t.Fatalf("empty cloud: got %v", err)
	}
}

func TestMeanNeighbourDistanceMatchesBruteForce(t *testing.T) {
	t.Parallel()
	pos := tensor.NewMat(200, 3)
	tensor.FillRand(&pos, 9, 5)
	got := meanNeighbourDistance(pos, 3)

	for i := range pos.R {
		var d []float64
		for j := range pos.R {
			if i == j {
				continue
			}
			p, q := pos.Row(i), pos.Row(j)
			d = append(d, float64(sq(p[0]-q[0])+sq(p[1]-q[1])+sq(p[2]-q[2])))
		}
		// partial selection of the 3 smallest
		for a := range 3 {
			for b := a + 1; b < len(d); b++ {
				if d[b] < d[a] {
					d[a], d[b] = d[b], d[a]
				}
			}
		}
		want := math.Sqrt((d[0] + d[1] + d[2]) / 3)
		if math.Abs(float64(got[i])-want) > 1e-3*want+1e-5 {
			t.Fatalf("point %d: got %v want %v", i, got[i], want)
		}
	}
}

func TestSHBasisDCAndEval(t *testing.T) {
	t.Parallel()
	coeffs := make([]float32, 3*NumSHCoeffs(3))
	coeffs[0], coeffs[1], coeffs[2] = RGBToSH(0.2), RGBToSH(0.4), RGBToSH(0.9)
	basis := make([]float32, NumSHCoeffs(3))
	rgb := EvalSH(3, coeffs, [3]float32{0, 0, 1}, basis)
	for c, want := range []float32{0.2, 0.4, 0.9} {
		if math.Abs(float64(rgb[c]-want)) > 1e-5 {
			t.Fatalf("channel %d: got %v want %v", c, rgb[c], want)
		}
	}
}
