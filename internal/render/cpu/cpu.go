// Package cpu is a reference rasterizer. It renders every splat as an
// isotropic screen-space Gaussian, composites tiles front to back and
// differentiates the result analytically. It is slow but needs no GPU, which
// makes it suitable for tests, small scenes and offline renders.
package cpu

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/splatter/internal/render"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
)

const (
	tileSize  = 16
	nearPlane = 0.01
	// alphaMin drops contributions that cannot change an 8-bit pixel.
	alphaMin   = 1.0 / 255
	alphaMax   = 0.99
	transMin   = 1e-4
	lowPass    = 0.3
	sigmaRange = 3
	// maxQ is the squared Mahalanobis distance at which the Gaussian falls
	// below alphaMin, so no opacity can make the sample count.
	maxQ = 11.09
)

var errForeignOutput = errors.New("cpu: output was not produced by this backend")

// Backend implements render.Rasterizer on the CPU.
type Backend struct {
	// Workers bounds the number of tiles rendered concurrently.
	Workers int
	// Exact disables footprint truncation: every splat is composited into
	// every pixel regardless of its distance or contribution. The output is
	// then smooth in the parameters, at a large cost in speed.
	Exact bool
}

// New returns a backend using every available CPU.
func New() *Backend {
	return &Backend{Workers: runtime.GOMAXPROCS(0)}
}

var _ render.Rasterizer = (*Backend)(nil)

// projected is the screen-space footprint of one splat.
type projected struct {
	u, v    float32
	vx, vy  float32
	xc, yc  float32
	z       float32
	a       float32 // world sigma over depth
	sigmaW  float32
	opacity float32
	color   [3]float32
	clamped [3]bool
	radius  float32
}

type frame struct {
	model   *splat.Model
	cam     render.Camera
	bg      [3]float32
	opts    render.Options
	degree  int
	coeffs  int
	proj    []projected
	basis   []float32
	tilesX  int
	tilesY  int
	tiles   [][]int32
	finalT  []float32
	last    []int32
	workers int
	exact   bool
}

func gauss(q float32) float32 {
	return float32(math.Exp(float64(-0.5 * q)))
}

// Forward renders model from cam.
func (b *Backend) Forward(cam *render.Camera, model *splat.Model, background [3]float32, opts render.Options) (*render.Output, error) {
	if cam.Width <= 0 || cam.Height <= 0 {
		return nil, fmt.Errorf("cpu: camera %d has invalid size %dx%d", cam.ID, cam.Width, cam.Height)
	}
	if opts.ScalingModifier <= 0 {
		opts.ScalingModifier = 1
	}
	deg := opts.SHDegree
	if deg < 0 {
		deg = model.ActiveSHDegree()
	}
	deg = min(deg, model.SHDegree(), splat.MaxSHDegree)

	f := &frame{
		model:   model,
		cam:     *cam,
		bg:      background,
		opts:    opts,
		degree:  deg,
		coeffs:  splat.NumSHCoeffs(deg),
		tilesX:  (cam.Width + tileSize - 1) / tileSize,
		tilesY:  (cam.Height + tileSize - 1) / tileSize,
		workers: max(1, b.Workers),
		exact:   b.Exact,
	}
	gen := model.Generation()
	f.project()
	f.bin()

	px := cam.Pixels()
	out := &render.Output{
		Width:      cam.Width,
		Height:     cam.Height,
		Image:      make([]float32, px*3),
		Alpha:      make([]float32, px),
		Radii:      make([]float32, len(f.proj)),
		Visible:    make([]bool, len(f.proj)),
		Generation: gen,
		Aux:        f,
	}
	if opts.Mode != render.ModeRGB {
		out.Depth = make([]float32, px)
	}
	f.finalT = make([]float32, px)
	f.last = make([]int32, px)

	var g errgroup.Group
	g.SetLimit(f.workers)
	for t := range f.tiles {
		g.Go(func() error {
			f.renderTile(t, out)
			return nil
		})
	}
	_ = g.Wait()

	for i := range f.proj {
		out.Radii[i] = f.proj[i].radius
		out.Visible[i] = f.proj[i].radius > 0
	}
	if err := render.CheckFinite("image", out.Image); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *frame) project() {
	cam := &f.cam
	means := f.model.Param(splat.AttrMeans)
	scales := f.model.Param(splat.AttrScales)
	ops := f.model.Param(splat.AttrOpacities)
	sh := f.model.Param(splat.AttrSH)
	n := means.R

	f.proj = make([]projected, n)
	f.basis = make([]float32, n*f.coeffs)
	dilation := float32(0)
	if f.opts.Antialiasing {
		dilation = lowPass
	}
	for i := range n {
		m := means.Row(i)
		c := cam.ToCamera([3]float32{m[0], m[1], m[2]})
		if c[2] <= nearPlane {
			continue
		}
		s := scales.Row(i)
		sigmaW := tensor.Exp((s[0]+s[1]+s[2])/3) * f.opts.ScalingModifier
		a := sigmaW / c[2]
		p := &f.proj[i]
		p.xc, p.yc, p.z = c[0], c[1], c[2]
		p.u = cam.Fx*c[0]/c[2] + cam.Cx
		p.v = cam.Fy*c[1]/c[2] + cam.Cy
		p.a, p.sigmaW = a, sigmaW
		p.vx = cam.Fx*cam.Fx*a*a + dilation
		p.vy = cam.Fy*cam.Fy*a*a + dilation
		if !(p.vx > 0 && p.vy > 0) {
			continue
		}
		p.opacity = tensor.Sigmoid(ops.Data[i])
		p.radius = float32(math.Ceil(sigmaRange * math.Sqrt(float64(max(p.vx, p.vy)))))
		if f.exact {
			p.radius = float32(cam.Width+cam.Height) + abs(p.u) + abs(p.v)
		}

		if f.opts.OpacityOnly {
			p.color = [3]float32{1, 1, 1}
			continue
		}
		dir := [3]float32{m[0] - cam.Center[0], m[1] - cam.Center[1], m[2] - cam.Center[2]}
		if l := tensor.Norm(dir[:]); l > 0 {
			dir[0], dir[1], dir[2] = dir[0]/l, dir[1]/l, dir[2]/l
		}
		basis := f.basis[i*f.coeffs : (i+1)*f.coeffs]
		p.color = splat.EvalSH(f.degree, sh.Row(i), dir, basis)
		for ch := range 3 {
			if p.color[ch] < 0 {
				p.color[ch] = 0
				p.clamped[ch] = true
			}
		}
	}
}

// bin assigns visible splats to the tiles their footprint touches. Each tile
// list is sorted front to back, ties by index.
func (f *frame) bin() {
	order := make([]int32, 0, len(f.proj))
	for i := range f.proj {
		if f.proj[i].radius > 0 {
			order = append(order, int32(i))
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return f.proj[order[a]].z < f.proj[order[b]].z
	})
	f.tiles = make([][]int32, f.tilesX*f.tilesY)
	for _, id := range order {
		p := &f.proj[id]
		x0 := max(0, int(math.Floor(float64(p.u-p.radius)))/tileSize)
		x1 := min(f.tilesX-1, int(math.Floor(float64(p.u+p.radius)))/tileSize)
		y0 := max(0, int(math.Floor(float64(p.v-p.radius)))/tileSize)
		y1 := min(f.tilesY-1, int(math.Floor(float64(p.v+p.radius)))/tileSize)
		if p.u+p.radius < 0 || p.v+p.radius < 0 || x0 > x1 || y0 > y1 {
			p.radius = 0
			continue
		}
		for ty := y0; ty <= y1; ty++ {
			for tx := x0; tx <= x1; tx++ {
				t := ty*f.tilesX + tx
				f.tiles[t] = append(f.tiles[t], id)
			}
		}
	}
}

func (f *frame) tileBounds(t int) (x0, y0, x1, y1 int) {
	tx, ty := t%f.tilesX, t/f.tilesX
	x0, y0 = tx*tileSize, ty*tileSize
	return x0, y0, min(x0+tileSize, f.cam.Width), min(y0+tileSize, f.cam.Height)
}

func (f *frame) renderTile(t int, out *render.Output) {
	list := f.tiles[t]
	x0, y0, x1, y1 := f.tileBounds(t)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			pix := y*f.cam.Width + x
			T := float32(1)
			var col [3]float32
			var depth float32
			var last int32
			for j, id := range list {
				p := &f.proj[id]
				dx, dy := float32(x)-p.u, float32(y)-p.v
				q := dx*dx/p.vx + dy*dy/p.vy
				if q > maxQ && !f.exact {
					continue
				}
				alpha := min(alphaMax, p.opacity*gauss(q))
				if alpha < alphaMin && !f.exact {
					continue
				}
				next := T * (1 - alpha)
				if next < transMin {
					break
				}
				w := alpha * T
				col[0] += p.color[0] * w
				col[1] += p.color[1] * w
				col[2] += p.color[2] * w
				depth += p.z * w
				T = next
				last = int32(j + 1)
			}
			f.finalT[pix] = T
			f.last[pix] = last
			for ch := range 3 {
				out.Image[pix*3+ch] = col[ch] + T*f.bg[ch]
			}
			out.Alpha[pix] = 1 - T
			if out.Depth != nil && T < 1 {
				out.Depth[pix] = depth / (1 - T)
			}
		}
	}
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
