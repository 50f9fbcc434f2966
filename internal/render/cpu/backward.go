package cpu

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/splatter/internal/render"
	"github.com/samcharles93/splatter/internal/splat"
)

// screenGrad is dLoss with respect to one splat's screen-space footprint.
type screenGrad struct {
	u, v    float32
	vx, vy  float32
	opacity float32
	color   [3]float32
}

func (g *screenGrad) add(o *screenGrad) {
	g.u += o.u
	g.v += o.v
	g.vx += o.vx
	g.vy += o.vy
	g.opacity += o.opacity
	for ch := range 3 {
		g.color[ch] += o.color[ch]
	}
}

// Backward propagates dImage to the raw model parameters.
func (b *Backend) Backward(out *render.Output, dImage []float32) (*render.Gradients, error) {
	f, ok := out.Aux.(*frame)
	if !ok {
		return nil, errForeignOutput
	}
	if gen := f.model.Generation(); gen != out.Generation {
		return nil, fmt.Errorf("%w: rendered at %d, model at %d", render.ErrStaleOutput, out.Generation, gen)
	}
	if want := f.cam.Pixels() * 3; len(dImage) != want {
		return nil, fmt.Errorf("cpu: image gradient has %d values, want %d", len(dImage), want)
	}
	if err := render.CheckFinite("image gradient", dImage); err != nil {
		return nil, err
	}

	// Each tile accumulates into its own buffer, aligned with its splat
	// list, and the buffers are reduced in tile order so the result does not
	// depend on scheduling.
	partial := make([][]screenGrad, len(f.tiles))
	var g errgroup.Group
	g.SetLimit(f.workers)
	for t := range f.tiles {
		if len(f.tiles[t]) == 0 {
			continue
		}
		g.Go(func() error {
			partial[t] = f.backwardTile(t, dImage)
			return nil
		})
	}
	_ = g.Wait()

	screen := make([]screenGrad, len(f.proj))
	for t, list := range f.tiles {
		for j, id := range list {
			screen[id].add(&partial[t][j])
		}
	}
	return f.chain(screen), nil
}

func (f *frame) backwardTile(t int, dImage []float32) []screenGrad {
	list := f.tiles[t]
	grads := make([]screenGrad, len(list))
	x0, y0, x1, y1 := f.tileBounds(t)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			pix := y*f.cam.Width + x
			dpix := dImage[pix*3 : pix*3+3]
			finalT := f.finalT[pix]
			bgDot := f.bg[0]*dpix[0] + f.bg[1]*dpix[1] + f.bg[2]*dpix[2]

			T := finalT
			var accum, lastColor [3]float32
			var lastAlpha float32
			for j := int(f.last[pix]) - 1; j >= 0; j-- {
				p := &f.proj[list[j]]
				dx, dy := float32(x)-p.u, float32(y)-p.v
				q := dx*dx/p.vx + dy*dy/p.vy
				if q > maxQ && !f.exact {
					continue
				}
				gv := gauss(q)
				raw := p.opacity * gv
				alpha := min(alphaMax, raw)
				if alpha < alphaMin && !f.exact {
					continue
				}
				T /= 1 - alpha
				gr := &grads[j]

				var dAlpha float32
				for ch := range 3 {
					gr.color[ch] += alpha * T * dpix[ch]
					accum[ch] = lastAlpha*lastColor[ch] + (1-lastAlpha)*accum[ch]
					dAlpha += (p.color[ch] - accum[ch]) * dpix[ch]
				}
				dAlpha *= T
				lastAlpha, lastColor = alpha, p.color
				dAlpha += -finalT / (1 - alpha) * bgDot
				if raw > alphaMax {
					continue
				}

				gr.opacity += gv * dAlpha
				dG := p.opacity * dAlpha * gv
				gr.u += dG * dx / p.vx
				gr.v += dG * dy / p.vy
				gr.vx += dG * 0.5 * dx * dx / (p.vx * p.vx)
				gr.vy += dG * 0.5 * dy * dy / (p.vy * p.vy)
			}
		}
	}
	return grads
}

// chain maps screen-space gradients back to the raw parameters.
func (f *frame) chain(screen []screenGrad) *render.Gradients {
	n := len(f.proj)
	shDeg := f.model.SHDegree()
	g := splat.NewGradients(n, shDeg)
	grad2D := make([]float32, n)
	cam := &f.cam
	r := &cam.R
	halfW, halfH := float32(cam.Width)/2, float32(cam.Height)/2

	for i := range f.proj {
		p := &f.proj[i]
		if p.radius <= 0 {
			continue
		}
		s := &screen[i]

		if !f.opts.OpacityOnly {
			dsh := g.Attr[splat.AttrSH].Row(i)
			basis := f.basis[i*f.coeffs : (i+1)*f.coeffs]
			for ch := range 3 {
				if p.clamped[ch] {
					continue
				}
				for k, y := range basis {
					dsh[k*3+ch] += y * s.color[ch]
				}
			}
		}
		g.Attr[splat.AttrOpacities].Data[i] = s.opacity * p.opacity * (1 - p.opacity)

		z := p.z
		da := 2*cam.Fx*cam.Fx*p.a*s.vx + 2*cam.Fy*cam.Fy*p.a*s.vy
		dxc := s.u * cam.Fx / z
		dyc := s.v * cam.Fy / z
		dz := -s.u*cam.Fx*p.xc/(z*z) - s.v*cam.Fy*p.yc/(z*z) - da*p.a/z

		dm := g.Attr[splat.AttrMeans].Row(i)
		dm[0] = r[0]*dxc + r[3]*dyc + r[6]*dz
		dm[1] = r[1]*dxc + r[4]*dyc + r[7]*dz
		dm[2] = r[2]*dxc + r[5]*dyc + r[8]*dz

		dls := da / z * p.sigmaW / 3
		ds := g.Attr[splat.AttrScales].Row(i)
		ds[0], ds[1], ds[2] = dls, dls, dls

		gx, gy := s.u*halfW, s.v*halfH
		grad2D[i] = float32(math.Sqrt(float64(gx*gx + gy*gy)))
	}
	return &render.Gradients{Params: g, MeanGrad2D: grad2D}
}
