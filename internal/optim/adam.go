// Package optim implements the Adam optimizer over splat attributes. Its
// moment buffers are attached to the model as a splat.Companion so they are
// appended, compacted and reset together with the attributes they describe.
package optim

import (
	"fmt"
	"math"

	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
)

// Config holds Adam hyperparameters and per-attribute learning rates.
type Config struct {
	Beta1 float64 `yaml:"beta1"`
	Beta2 float64 `yaml:"beta2"`
	Eps   float64 `yaml:"eps"`

	LR [splat.NumAttrs]float64 `yaml:"-"`
	// SHRestDivisor divides the SH learning rate for bands above the DC term.
	SHRestDivisor float64 `yaml:"sh_rest_divisor"`
}

// DefaultConfig mirrors the learning rates commonly used for 3D Gaussian
// splatting. The means rate is a base value; the trainer rescales it by the
// scene radius and decays it over time.
func DefaultConfig() Config {
	var lr [splat.NumAttrs]float64
	lr[splat.AttrMeans] = 1.6e-4
	lr[splat.AttrScales] = 5e-3
	lr[splat.AttrRotations] = 1e-3
	lr[splat.AttrOpacities] = 5e-2
	lr[splat.AttrSH] = 2.5e-3
	return Config{Beta1: 0.9, Beta2: 0.999, Eps: 1e-15, LR: lr, SHRestDivisor: 20}
}

type moments struct {
	m, v tensor.Mat
}

// Adam keeps first and second moments for every attribute of every splat.
type Adam struct {
	cfg   Config
	state [splat.NumAttrs]moments
	n     int
	step  int
}

// New creates moment buffers sized for model and attaches them to it.
func New(cfg Config, model *splat.Model) (*Adam, error) {
	n := model.Size()
	a := &Adam{cfg: cfg, n: n}
	for attr := range splat.NumAttrs {
		w := splat.Width(attr, model.SHDegree())
		a.state[attr] = moments{m: tensor.NewMat(n, w), v: tensor.NewMat(n, w)}
	}
	if err := model.Attach(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Len implements splat.Companion.
func (a *Adam) Len() int { return a.n }

// Append implements splat.Companion: new splats start with zero moments.
func (a *Adam) Append(n int) {
	for attr := range a.state {
		a.state[attr].m.AppendZeroRows(n)
		a.state[attr].v.AppendZeroRows(n)
	}
	a.n += n
}

// Compact implements splat.Companion.
func (a *Adam) Compact(keep []int) {
	for attr := range a.state {
		a.state[attr].m.Compact(keep)
		a.state[attr].v.Compact(keep)
	}
	a.n = len(keep)
}

// Reset implements splat.Companion: the listed splats lose their moments.
func (a *Adam) Reset(idx []int) {
	for attr := range a.state {
		a.state[attr].m.ZeroRows(idx)
		a.state[attr].v.ZeroRows(idx)
	}
}

// SetLR overrides the learning rate of one attribute group.
func (a *Adam) SetLR(attr splat.Attr, lr float64) {
	a.cfg.LR[attr] = lr
}

// LR returns the current learning rate of one attribute group.
func (a *Adam) LR(attr splat.Attr) float64 {
	return a.cfg.LR[attr]
}

// Moments exposes the first and second moment rows of splat i for attr.
// Tests use it to check alignment and resets.
func (a *Adam) Moments(attr splat.Attr, i int) (m, v []float32) {
	return a.state[attr].m.Row(i), a.state[attr].v.Row(i)
}

// Steps returns the number of updates applied.
func (a *Adam) Steps() int { return a.step }

// Step applies one Adam update to every attribute of model.
func (a *Adam) Step(model *splat.Model, g *splat.Gradients) error {
	if g.Len() != a.n {
		return fmt.Errorf("optim: gradients cover %d splats, optimizer has %d", g.Len(), a.n)
	}
	a.step++
	b1, b2, eps := a.cfg.Beta1, a.cfg.Beta2, a.cfg.Eps
	b1Corr := 1 - math.Pow(b1, float64(a.step))
	b2Corr := 1 - math.Pow(b2, float64(a.step))

	var err error
	model.Update(func(attrs *splat.Batch) {
		if attrs.Len() != a.n {
			err = fmt.Errorf("%w: model has %d splats, optimizer has %d", splat.ErrMisaligned, attrs.Len(), a.n)
			return
		}
		for attr := range splat.NumAttrs {
			p := attrs.Attr(attr)
			grad := g.Attr[attr]
			st := &a.state[attr]
			lr := a.cfg.LR[attr]
			restLR := lr
			if attr == splat.AttrSH && a.cfg.SHRestDivisor > 0 {
				restLR = lr / a.cfg.SHRestDivisor
			}
			for j := range p.Data {
				gj := float64(grad.Data[j])
				mj := b1*float64(st.m.Data[j]) + (1-b1)*gj
				vj := b2*float64(st.v.Data[j]) + (1-b2)*gj*gj
				st.m.Data[j] = float32(mj)
				st.v.Data[j] = float32(vj)
				step := lr
				if attr == splat.AttrSH && j%p.C >= 3 {
					step = restLR
				}
				p.Data[j] -= float32(step * (mj / b1Corr) / (math.Sqrt(vj/b2Corr) + eps))
			}
		}
	})
	return err
}
