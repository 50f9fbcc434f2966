// Package dataset supplies posed training images. A Provider exposes
// cameras, lazily decoded ground-truth images and a scene-extent estimate
// used to seed and schedule training.
package dataset

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/splatter/internal/render"
)

var (
	// ErrInvalidDataset reports a dataset that cannot be used at all.
	ErrInvalidDataset = errors.New("dataset: invalid dataset")
	// ErrNoCameras is returned when no camera entry survived validation.
	ErrNoCameras = errors.New("dataset: no usable cameras")
)

// Provider yields posed images. Image returns row-major H*W*3 values in
// [0, 1] matching the camera's size.
type Provider interface {
	Len() int
	Camera(i int) *render.Camera
	Image(i int) ([]float32, error)
	SceneCenter() [3]float32
	SceneRadius() float32
}

// Bounds returns the mean camera centre and 1.1 times the largest distance
// from it to any camera.
func Bounds(cams []render.Camera) (center [3]float32, radius float32) {
	if len(cams) == 0 {
		return center, 1
	}
	var sum [3]float64
	for i := range cams {
		for k := range 3 {
			sum[k] += float64(cams[i].Center[k])
		}
	}
	for k := range 3 {
		center[k] = float32(sum[k] / float64(len(cams)))
	}
	var far float64
	for i := range cams {
		var d float64
		for k := range 3 {
			x := float64(cams[i].Center[k] - center[k])
			d += x * x
		}
		far = max(far, math.Sqrt(d))
	}
	radius = float32(1.1 * far)
	if radius == 0 {
		radius = 1
	}
	return center, radius
}

// Memory is an in-memory Provider.
type Memory struct {
	Cameras []render.Camera
	Images  [][]float32

	center [3]float32
	radius float32
}

// NewMemory validates images against their cameras.
func NewMemory(cams []render.Camera, images [][]float32) (*Memory, error) {
	if len(cams) == 0 {
		return nil, ErrNoCameras
	}
	if len(images) != len(cams) {
		return nil, fmt.Errorf("%w: %d cameras, %d images", ErrInvalidDataset, len(cams), len(images))
	}
	for i := range cams {
		if want := cams[i].Pixels() * 3; len(images[i]) != want {
			return nil, fmt.Errorf("%w: image %d has %d values, want %d", ErrInvalidDataset, i, len(images[i]), want)
		}
	}
	m := &Memory{Cameras: cams, Images: images}
	m.center, m.radius = Bounds(cams)
	return m, nil
}

func (m *Memory) Len() int                       { return len(m.Cameras) }
func (m *Memory) Camera(i int) *render.Camera    { return &m.Cameras[i] }
func (m *Memory) Image(i int) ([]float32, error) { return m.Images[i], nil }
func (m *Memory) SceneCenter() [3]float32        { return m.center }
func (m *Memory) SceneRadius() float32           { return m.radius }

// subset is a view over selected indices of a parent provider. The scene
// extent stays that of the parent.
type subset struct {
	parent Provider
	idx    []int
}

func (s *subset) Len() int                       { return len(s.idx) }
func (s *subset) Camera(i int) *render.Camera    { return s.parent.Camera(s.idx[i]) }
func (s *subset) Image(i int) ([]float32, error) { return s.parent.Image(s.idx[i]) }
func (s *subset) SceneCenter() [3]float32        { return s.parent.SceneCenter() }
func (s *subset) SceneRadius() float32           { return s.parent.SceneRadius() }

// Split holds out every n-th camera (indices 0, n, 2n, ...) for evaluation.
// every <= 1 keeps every camera for training and returns an empty eval set.
func Split(p Provider, every int) (train, eval Provider) {
	var tr, ev []int
	for i := range p.Len() {
		if every > 1 && i%every == 0 {
			ev = append(ev, i)
		} else {
			tr = append(tr, i)
		}
	}
	return &subset{parent: p, idx: tr}, &subset{parent: p, idx: ev}
}
