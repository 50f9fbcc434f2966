package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// Splat attributes are stored one splat per row, so R doubles as the splat
// count and C as the attribute width (3 for means, 4 for rotations, ...).
// Data holds the flattened values; out-of-range indices panic.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zero-initialised matrix with the given shape.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing data. It checks that len(data) == r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Data: data}
}

// Row returns a view of the i‑th row. Writes through the slice update m.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.C
	return m.Data[start : start+m.C : start+m.C]
}

// SetRow copies src into row i.
func (m *Mat) SetRow(i int, src []float32) {
	copy(m.Row(i), src)
}

// Clone returns a deep copy.
func (m Mat) Clone() Mat {
	out := Mat{R: m.R, C: m.C, Data: make([]float32, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// AppendRows appends the rows of src. Columns must match.
func (m *Mat) AppendRows(src Mat) {
	if src.R == 0 {
		return
	}
	if m.C != src.C {
		panic("column mismatch in AppendRows")
	}
	m.Data = append(m.Data, src.Data...)
	m.R += src.R
}

// AppendZeroRows grows m by n zero rows.
func (m *Mat) AppendZeroRows(n int) {
	if n <= 0 {
		return
	}
	m.Data = append(m.Data, make([]float32, n*m.C)...)
	m.R += n
}

// Compact keeps only the listed rows, in the given order. keep must be
// strictly increasing for an in-place compaction; Compact checks this.
func (m *Mat) Compact(keep []int) {
	last := -1
	for dst, src := range keep {
		if src <= last || src >= m.R {
			panic("Compact requires strictly increasing in-range indices")
		}
		last = src
		if dst != src {
			copy(m.Data[dst*m.C:(dst+1)*m.C], m.Data[src*m.C:(src+1)*m.C])
		}
	}
	m.R = len(keep)
	m.Data = m.Data[:m.R*m.C]
}

// Gather returns a new matrix holding the listed rows.
func (m *Mat) Gather(idx []int) Mat {
	out := NewMat(len(idx), m.C)
	for dst, src := range idx {
		copy(out.Row(dst), m.Row(src))
	}
	return out
}

// Scatter writes the rows of src into the listed rows of m.
func (m *Mat) Scatter(idx []int, src Mat) {
	if src.R != len(idx) || src.C != m.C {
		panic("shape mismatch in Scatter")
	}
	for i, dst := range idx {
		copy(m.Row(dst), src.Row(i))
	}
}

// ZeroRows clears the listed rows.
func (m *Mat) ZeroRows(idx []int) {
	for _, i := range idx {
		clear(m.Row(i))
	}
}

// Zero clears every element.
func (m *Mat) Zero() {
	clear(m.Data)
}

// FillRand fills the matrix with reproducible pseudo‑random values in
// (-scale, scale). Multiple calls with the same seed produce identical
// matrices.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}
