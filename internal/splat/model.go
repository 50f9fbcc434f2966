// Package splat holds the Gaussian splat population being optimised.
//
// Every per-splat attribute is a row-major tensor.Mat with one row per splat.
// Row i of every attribute, and row i of every attached Companion (optimizer
// state), describe the same splat. Structural mutations rewrite all of them
// inside a single critical section so a concurrent reader never sees a
// partially applied change.
package splat

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samcharles93/splatter/internal/tensor"
)

var (
	// ErrBudgetExceeded is returned when an Add would push the population
	// past the configured maximum.
	ErrBudgetExceeded = errors.New("splat: population budget exceeded")
	// ErrShapeMismatch reports a batch whose attribute widths or row counts
	// disagree with the model.
	ErrShapeMismatch = errors.New("splat: attribute shape mismatch")
	// ErrIndexOutOfRange reports an index outside [0, N).
	ErrIndexOutOfRange = errors.New("splat: index out of range")
	// ErrMisaligned reports a companion whose row count differs from N.
	ErrMisaligned = errors.New("splat: companion misaligned with model")
)

// Attr identifies one per-splat attribute array.
type Attr int

const (
	AttrMeans Attr = iota
	AttrScales
	AttrRotations
	AttrOpacities
	AttrSH
	NumAttrs
)

var attrNames = [NumAttrs]string{"means", "scales", "rotations", "opacities", "sh"}

func (a Attr) String() string {
	if a < 0 || a >= NumAttrs {
		return fmt.Sprintf("attr(%d)", int(a))
	}
	return attrNames[a]
}

// ParseAttr is the inverse of Attr.String.
func ParseAttr(name string) (Attr, bool) {
	for i, n := range attrNames {
		if n == name {
			return Attr(i), true
		}
	}
	return 0, false
}

// NumSHCoeffs returns the number of SH coefficients per colour channel for
// the given degree.
func NumSHCoeffs(degree int) int {
	return (degree + 1) * (degree + 1)
}

// Width returns the row width of attribute a for a model of the given SH
// degree.
func Width(a Attr, shDegree int) int {
	switch a {
	case AttrMeans, AttrScales:
		return 3
	case AttrRotations:
		return 4
	case AttrOpacities:
		return 1
	case AttrSH:
		return 3 * NumSHCoeffs(shDegree)
	default:
		panic("unknown attribute")
	}
}

// Companion is state kept index-aligned with the model, typically the
// optimizer moments. The model calls it while holding its write lock.
type Companion interface {
	// Append adds n zeroed rows.
	Append(n int)
	// Compact keeps only the listed rows (strictly increasing).
	Compact(keep []int)
	// Reset zeroes the listed rows.
	Reset(idx []int)
	// Len reports the current row count.
	Len() int
}

// Range is a half-open index interval [Start, End).
type Range struct {
	Start, End int
}

// Len returns End-Start.
func (r Range) Len() int { return r.End - r.Start }

// Indices expands the range.
func (r Range) Indices() []int {
	out := make([]int, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		out = append(out, i)
	}
	return out
}

// Model is the evolving splat population.
//
// The training goroutine is the only writer. It may read attributes directly
// through Param without locking; every other goroutine must go through
// Snapshot.
type Model struct {
	mu sync.RWMutex

	attrs      Batch
	shDegree   int
	activeSH   int
	maxSplats  int
	generation uint64
	companions []Companion
}

// New creates an empty model. maxSplats <= 0 means unbounded.
func New(shDegree, maxSplats int) *Model {
	if shDegree < 0 {
		shDegree = 0
	}
	return &Model{
		attrs:     NewBatch(0, shDegree),
		shDegree:  shDegree,
		maxSplats: maxSplats,
	}
}

// Size returns the current number of splats.
func (m *Model) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attrs.Len()
}

// MaxSplats returns the population budget (0 = unbounded).
func (m *Model) MaxSplats() int { return m.maxSplats }

// SHDegree returns the maximum spherical-harmonics degree stored per splat.
func (m *Model) SHDegree() int { return m.shDegree }

// ActiveSHDegree returns the degree currently used for rendering.
func (m *Model) ActiveSHDegree() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSH
}

// SetActiveSHDegree unlocks SH bands up to d (clamped to SHDegree).
func (m *Model) SetActiveSHDegree(d int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSH = max(0, min(d, m.shDegree))
}

// Generation increases on every structural mutation. Render outputs and
// accumulated statistics built against an older generation are stale.
func (m *Model) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Attach registers an index-aligned companion. Its length must equal Size.
func (m *Model) Attach(c Companion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Len() != m.attrs.Len() {
		return fmt.Errorf("%w: companion has %d rows, model has %d", ErrMisaligned, c.Len(), m.attrs.Len())
	}
	m.companions = append(m.companions, c)
	return nil
}

// Param returns the raw (pre-activation) storage of attribute a. Only the
// training goroutine may call it, and it must not retain the pointer across
// structural mutations.
func (m *Model) Param(a Attr) *tensor.Mat {
	return m.attrs.attr(a)
}

// Add appends a batch of splats and returns the newly assigned index range.
func (m *Model) Add(b Batch) (Range, error) {
	if err := b.check(m.shDegree); err != nil {
		return Range{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.attrs.Len()
	add := b.Len()
	if m.maxSplats > 0 && n+add > m.maxSplats {
		return Range{}, fmt.Errorf("%w: %d + %d > %d", ErrBudgetExceeded, n, add, m.maxSplats)
	}
	if add == 0 {
		return Range{Start: n, End: n}, nil
	}
	for a := range NumAttrs {
		m.attrs.attr(a).AppendRows(*b.attr(a))
	}
	for _, c := range m.companions {
		c.Append(add)
	}
	m.generation++
	return Range{Start: n, End: n + add}, nil
}

// Remove drops every splat whose mask entry is true, preserving the relative
// order of survivors. It returns the number removed.
func (m *Model) Remove(mask []bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.attrs.Len()
	if len(mask) != n {
		return 0, fmt.Errorf("%w: mask has %d entries, model has %d", ErrShapeMismatch, len(mask), n)
	}
	keep := make([]int, 0, n)
	for i, drop := range mask {
		if !drop {
			keep = append(keep, i)
		}
	}
	removed := n - len(keep)
	if removed == 0 {
		return 0, nil
	}
	for a := range NumAttrs {
		m.attrs.attr(a).Compact(keep)
	}
	for _, c := range m.companions {
		c.Compact(keep)
	}
	m.generation++
	return removed, nil
}

// ReplaceSubset overwrites the attributes of existing splats in place. Row i
// of b is written to index idx[i]. Companion state is left untouched.
func (m *Model) ReplaceSubset(idx []int, b Batch) error {
	return m.Relocate(idx, b, nil)
}

// Relocate overwrites the attributes at idx with b and zeroes companion rows
// listed in reset, all under one write lock.
func (m *Model) Relocate(idx []int, b Batch, reset []int) error {
	if err := b.check(m.shDegree); err != nil {
		return err
	}
	if b.Len() != len(idx) {
		return fmt.Errorf("%w: %d indices for %d rows", ErrShapeMismatch, len(idx), b.Len())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.attrs.Len()
	if err := checkIndices(idx, n, true); err != nil {
		return err
	}
	if err := checkIndices(reset, n, false); err != nil {
		return err
	}
	for a := range NumAttrs {
		m.attrs.attr(a).Scatter(idx, *b.attr(a))
	}
	if len(reset) > 0 {
		for _, c := range m.companions {
			c.Reset(reset)
		}
	}
	if len(idx) > 0 {
		m.generation++
	}
	return nil
}

// Split overwrites the parents at idx with parents and appends children, in
// one critical section. Parent companion rows are kept; children get fresh
// zeroed rows.
func (m *Model) Split(idx []int, parents, children Batch) (Range, error) {
	if err := parents.check(m.shDegree); err != nil {
		return Range{}, err
	}
	if err := children.check(m.shDegree); err != nil {
		return Range{}, err
	}
	if parents.Len() != len(idx) {
		return Range{}, fmt.Errorf("%w: %d indices for %d parent rows", ErrShapeMismatch, len(idx), parents.Len())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.attrs.Len()
	add := children.Len()
	if err := checkIndices(idx, n, true); err != nil {
		return Range{}, err
	}
	if m.maxSplats > 0 && n+add > m.maxSplats {
		return Range{}, fmt.Errorf("%w: %d + %d > %d", ErrBudgetExceeded, n, add, m.maxSplats)
	}
	for a := range NumAttrs {
		p := m.attrs.attr(a)
		p.Scatter(idx, *parents.attr(a))
		p.AppendRows(*children.attr(a))
	}
	for _, c := range m.companions {
		c.Append(add)
	}
	m.generation++
	return Range{Start: n, End: n + add}, nil
}

// Gather copies the attributes of the listed splats into a new batch.
func (m *Model) Gather(idx []int) Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Batch{}
	for a := range NumAttrs {
		*out.attr(a) = m.attrs.attr(a).Gather(idx)
	}
	return out
}

// Update runs fn with exclusive access to the attribute storage. It is used
// for per-element value updates (optimizer steps, noise injection) that do
// not change N. fn must not change row counts.
func (m *Model) Update(fn func(attrs *Batch)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.attrs)
}

// Opacity returns the activated opacity of splat i.
func (m *Model) Opacity(i int) float32 {
	return tensor.Sigmoid(m.attrs.Opacities.Data[i])
}

// Scale returns the activated scale of splat i.
func (m *Model) Scale(i int) [3]float32 {
	row := m.attrs.Scales.Row(i)
	return [3]float32{tensor.Exp(row[0]), tensor.Exp(row[1]), tensor.Exp(row[2])}
}

// ActivatedOpacities returns sigmoid(opacity) for every splat.
func (m *Model) ActivatedOpacities() []float32 {
	out := make([]float32, m.attrs.Len())
	for i, raw := range m.attrs.Opacities.Data {
		out[i] = tensor.Sigmoid(raw)
	}
	return out
}

// CheckAligned verifies that every attribute and companion has N rows.
func (m *Model) CheckAligned() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.attrs.Len()
	for a := range NumAttrs {
		p := m.attrs.attr(a)
		if p.R != n || len(p.Data) != n*p.C {
			return fmt.Errorf("%w: %s has %d rows, want %d", ErrMisaligned, a, p.R, n)
		}
	}
	for i, c := range m.companions {
		if c.Len() != n {
			return fmt.Errorf("%w: companion %d has %d rows, want %d", ErrMisaligned, i, c.Len(), n)
		}
	}
	return nil
}

func checkIndices(idx []int, n int, unique bool) error {
	if len(idx) == 0 {
		return nil
	}
	for _, i := range idx {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, n)
		}
	}
	if !unique {
		return nil
	}
	sorted := append([]int(nil), idx...)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return fmt.Errorf("%w: duplicate index %d", ErrShapeMismatch, sorted[i])
		}
	}
	return nil
}
