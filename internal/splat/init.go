package splat

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/samcharles93/splatter/internal/tensor"
)

// ErrEmptyPointCloud is returned when seeding from a point cloud with no points.
var ErrEmptyPointCloud = errors.New("splat: empty point cloud")

// InitOptions controls how an initial population is seeded.
type InitOptions struct {
	SHDegree    int
	MaxSplats   int
	InitOpacity float32 // activated opacity for every seed splat
	InitScale   float32 // multiplier on the nearest-neighbour distance
	Rand        *rand.Rand
}

func (o InitOptions) withDefaults() InitOptions {
	if o.InitOpacity <= 0 || o.InitOpacity >= 1 {
		o.InitOpacity = 0.5
	}
	if o.InitScale <= 0 {
		o.InitScale = 0.1
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(0))
	}
	return o
}

// PointCloud is a seed point set. Colors are RGB in [0, 1]; it may be empty,
// in which case seed splats are mid-grey.
type PointCloud struct {
	Positions tensor.Mat // N x 3
	Colors    tensor.Mat // N x 3 or 0 x 3
}

// Len returns the number of points.
func (pc PointCloud) Len() int { return pc.Positions.R }

// FromPointCloud seeds a model with one splat per point. When the cloud
// holds more points than the budget, a seeded random subset is used.
func FromPointCloud(pc PointCloud, opts InitOptions) (*Model, error) {
	opts = opts.withDefaults()
	n := pc.Len()
	if n == 0 {
		return nil, ErrEmptyPointCloud
	}
	if pc.Positions.C != 3 {
		return nil, fmt.Errorf("%w: positions have %d columns", ErrShapeMismatch, pc.Positions.C)
	}
	hasColor := pc.Colors.R == n && pc.Colors.C == 3

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if opts.MaxSplats > 0 && n > opts.MaxSplats {
		opts.Rand.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		idx = idx[:opts.MaxSplats]
		sort.Ints(idx)
		n = len(idx)
	}

	b := NewBatch(n, opts.SHDegree)
	for dst, src := range idx {
		copy(b.Means.Row(dst), pc.Positions.Row(src))
		sh := b.SH.Row(dst)
		for c := range 3 {
			col := float32(0.5)
			if hasColor {
				col = pc.Colors.Row(src)[c]
			}
			sh[c] = RGBToSH(col)
		}
	}

	dists := meanNeighbourDistance(b.Means, 3)
	logitOp := tensor.Logit(opts.InitOpacity)
	for i := range n {
		s := tensor.Log(max(dists[i]*opts.InitScale, 1e-7))
		row := b.Scales.Row(i)
		row[0], row[1], row[2] = s, s, s
		b.Opacities.Data[i] = logitOp
	}

	m := New(opts.SHDegree, opts.MaxSplats)
	if _, err := m.Add(b); err != nil {
		return nil, err
	}
	return m, nil
}

// RandomInit seeds n splats uniformly inside a cube of half-width extent
// around center, with random colours.
func RandomInit(n int, center [3]float32, extent float32, opts InitOptions) (*Model, error) {
	opts = opts.withDefaults()
	if n <= 0 {
		return nil, ErrEmptyPointCloud
	}
	pc := PointCloud{
		Positions: tensor.NewMat(n, 3),
		Colors:    tensor.NewMat(n, 3),
	}
	for i := range n {
		p := pc.Positions.Row(i)
		c := pc.Colors.Row(i)
		for k := range 3 {
			p[k] = center[k] + (opts.Rand.Float32()*2-1)*extent
			c[k] = opts.Rand.Float32()
		}
	}
	return FromPointCloud(pc, opts)
}

// meanNeighbourDistance returns, per point, the root-mean-square distance to
// its k nearest neighbours. Points are bucketed into a uniform grid whose cell
// holds about two points on average; the search widens ring by ring until k
// neighbours are found and no closer candidate can exist.
func meanNeighbourDistance(pos tensor.Mat, k int) []float32 {
	n := pos.R
	out := make([]float32, n)
	if n <= 1 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	k = min(k, n-1)

	lo := [3]float32{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	hi := [3]float32{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for i := range n {
		p := pos.Row(i)
		for c := range 3 {
			lo[c] = min(lo[c], p[c])
			hi[c] = max(hi[c], p[c])
		}
	}
	extent := max(hi[0]-lo[0], hi[1]-lo[1], hi[2]-lo[2], 1e-6)
	cell := extent / float32(max(1, int(math.Cbrt(float64(n)/2))))

	type key [3]int
	cellOf := func(p []float32) key {
		return key{
			int((p[0] - lo[0]) / cell),
			int((p[1] - lo[1]) / cell),
			int((p[2] - lo[2]) / cell),
		}
	}
	grid := make(map[key][]int, n)
	for i := range n {
		c := cellOf(pos.Row(i))
		grid[c] = append(grid[c], i)
	}

	best := make([]float32, 0, k+1)
	for i := range n {
		p := pos.Row(i)
		home := cellOf(p)
		best = best[:0]
		for ring := 0; ; ring++ {
			for dx := -ring; dx <= ring; dx++ {
				for dy := -ring; dy <= ring; dy++ {
					for dz := -ring; dz <= ring; dz++ {
						if max(abs(dx), abs(dy), abs(dz)) != ring {
							continue
						}
						for _, j := range grid[key{home[0] + dx, home[1] + dy, home[2] + dz}] {
							if j == i {
								continue
							}
							q := pos.Row(j)
							d := sq(p[0]-q[0]) + sq(p[1]-q[1]) + sq(p[2]-q[2])
							best = insertSmallest(best, d, k)
						}
					}
				}
			}
			// Any point outside the searched rings is at least ring*cell away.
			reach := float32(ring) * cell
			if len(best) == k && best[k-1] <= reach*reach {
				break
			}
			if float32(ring)*cell > extent*2 {
				break
			}
		}
		var sum float32
		for _, d := range best {
			sum += d
		}
		out[i] = float32(math.Sqrt(float64(sum / float32(max(1, len(best))))))
		if out[i] == 0 {
			out[i] = 1e-4
		}
	}
	return out
}

func insertSmallest(best []float32, d float32, k int) []float32 {
	if len(best) == k && d >= best[k-1] {
		return best
	}
	pos := sort.Search(len(best), func(i int) bool { return best[i] > d })
	if len(best) < k {
		best = append(best, 0)
	}
	copy(best[pos+1:], best[pos:len(best)-1])
	best[pos] = d
	return best
}

func sq(x float32) float32 { return x * x }

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
