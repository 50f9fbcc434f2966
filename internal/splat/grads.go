package splat

import "github.com/samcharles93/splatter/internal/tensor"

// Gradients holds dLoss/dAttr for every raw attribute, shaped like the model.
type Gradients struct {
	Attr [NumAttrs]tensor.Mat
}

// NewGradients allocates zero gradients for n splats.
func NewGradients(n, shDegree int) *Gradients {
	g := &Gradients{}
	for a := range NumAttrs {
		g.Attr[a] = tensor.NewMat(n, Width(a, shDegree))
	}
	return g
}

// Len returns the number of splats the gradients cover.
func (g *Gradients) Len() int { return g.Attr[AttrMeans].R }

// Zero clears every gradient.
func (g *Gradients) Zero() {
	for a := range g.Attr {
		g.Attr[a].Zero()
	}
}
