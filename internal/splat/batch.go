package splat

import (
	"fmt"

	"github.com/samcharles93/splatter/internal/tensor"
)

// Batch is a set of splat attribute rows. It is both the model's storage and
// the unit passed to Add/ReplaceSubset.
type Batch struct {
	Means     tensor.Mat // N x 3 world-space positions
	Scales    tensor.Mat // N x 3 log-scales
	Rotations tensor.Mat // N x 4 quaternions (w, x, y, z), not necessarily unit length
	Opacities tensor.Mat // N x 1 opacity logits
	SH        tensor.Mat // N x 3K SH coefficients, index k*3+channel
}

// NewBatch allocates a zeroed batch of n splats. Rotations are the identity.
func NewBatch(n, shDegree int) Batch {
	b := Batch{
		Means:     tensor.NewMat(n, 3),
		Scales:    tensor.NewMat(n, 3),
		Rotations: tensor.NewMat(n, 4),
		Opacities: tensor.NewMat(n, 1),
		SH:        tensor.NewMat(n, Width(AttrSH, shDegree)),
	}
	for i := range n {
		b.Rotations.Data[i*4] = 1
	}
	return b
}

// Len returns the number of splats in the batch.
func (b *Batch) Len() int { return b.Means.R }

// Attr returns the storage of attribute a.
func (b *Batch) Attr(a Attr) *tensor.Mat { return b.attr(a) }

func (b *Batch) attr(a Attr) *tensor.Mat {
	switch a {
	case AttrMeans:
		return &b.Means
	case AttrScales:
		return &b.Scales
	case AttrRotations:
		return &b.Rotations
	case AttrOpacities:
		return &b.Opacities
	case AttrSH:
		return &b.SH
	default:
		panic("unknown attribute")
	}
}

// Clone returns a deep copy.
func (b *Batch) Clone() Batch {
	return Batch{
		Means:     b.Means.Clone(),
		Scales:    b.Scales.Clone(),
		Rotations: b.Rotations.Clone(),
		Opacities: b.Opacities.Clone(),
		SH:        b.SH.Clone(),
	}
}

func (b *Batch) check(shDegree int) error {
	n := b.Len()
	for a := range NumAttrs {
		p := b.attr(a)
		if p.R != n {
			return fmt.Errorf("%w: %s has %d rows, means has %d", ErrShapeMismatch, a, p.R, n)
		}
		if n > 0 && p.C != Width(a, shDegree) {
			return fmt.Errorf("%w: %s width %d, want %d", ErrShapeMismatch, a, p.C, Width(a, shDegree))
		}
		if len(p.Data) != p.R*p.C {
			return fmt.Errorf("%w: %s storage length %d, want %d", ErrShapeMismatch, a, len(p.Data), p.R*p.C)
		}
	}
	return nil
}

// Snapshot is a deep, immutable copy of the model taken under its read lock.
type Snapshot struct {
	Batch
	SHDegree       int
	ActiveSHDegree int
	Generation     uint64
}

// Snapshot copies the model. It never observes a half-applied mutation.
func (m *Model) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{
		Batch:          m.attrs.Clone(),
		SHDegree:       m.shDegree,
		ActiveSHDegree: m.activeSH,
		Generation:     m.generation,
	}
}

// FromSnapshot builds a model from persisted attributes. The batch is copied.
func FromSnapshot(s *Snapshot, maxSplats int) (*Model, error) {
	if err := s.check(s.SHDegree); err != nil {
		return nil, err
	}
	if maxSplats > 0 && s.Len() > maxSplats {
		return nil, fmt.Errorf("%w: snapshot holds %d splats, budget is %d", ErrBudgetExceeded, s.Len(), maxSplats)
	}
	m := New(s.SHDegree, maxSplats)
	m.attrs = s.Batch.Clone()
	if m.attrs.SH.C == 0 {
		m.attrs.SH.C = Width(AttrSH, s.SHDegree)
	}
	m.activeSH = max(0, min(s.ActiveSHDegree, s.SHDegree))
	return m, nil
}
