// Package render defines the differentiable rasterizer boundary. Backends
// implement Rasterizer; the trainer and the render command only depend on
// this package.
package render

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/splatter/internal/splat"
)

var (
	// ErrNumerical reports a NaN or infinite value in a rendered image or
	// in a loss derived from it.
	ErrNumerical = errors.New("render: non-finite value")
	// ErrStaleOutput is returned by Backward when the model changed
	// structurally since the forward pass.
	ErrStaleOutput = errors.New("render: output built against an older model generation")
)

// Mode selects which buffers a forward pass fills.
type Mode int

const (
	ModeRGB Mode = iota
	ModeDepth
	ModeRGBD
)

func (m Mode) String() string {
	switch m {
	case ModeRGB:
		return "rgb"
	case ModeDepth:
		return "depth"
	case ModeRGBD:
		return "rgbd"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts rgb, depth and rgbd.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "rgb":
		return ModeRGB, nil
	case "depth":
		return ModeDepth, nil
	case "rgbd":
		return ModeRGBD, nil
	}
	return 0, fmt.Errorf("render: unknown mode %q", s)
}

// Camera is a pinhole camera. R and T map world to camera coordinates:
// x_cam = R x_world + T, with +z looking forward.
type Camera struct {
	ID     int
	Name   string
	Width  int
	Height int
	Fx, Fy float32
	Cx, Cy float32
	R      [9]float32
	T      [3]float32
	Center [3]float32
}

// ToCamera maps a world point into camera coordinates.
func (c *Camera) ToCamera(p [3]float32) [3]float32 {
	r := &c.R
	return [3]float32{
		r[0]*p[0] + r[1]*p[1] + r[2]*p[2] + c.T[0],
		r[3]*p[0] + r[4]*p[1] + r[5]*p[2] + c.T[1],
		r[6]*p[0] + r[7]*p[1] + r[8]*p[2] + c.T[2],
	}
}

// Pixels returns Width*Height.
func (c *Camera) Pixels() int { return c.Width * c.Height }

// Options are per-call rendering switches.
type Options struct {
	// ScalingModifier multiplies every splat scale.
	ScalingModifier float32
	// OpacityOnly renders every splat white, so the image equals coverage.
	OpacityOnly bool
	// Antialiasing adds a small screen-space low-pass filter to each footprint.
	Antialiasing bool
	Mode         Mode
	// SHDegree caps the SH bands evaluated; negative uses the model's active degree.
	SHDegree int
}

// DefaultOptions renders RGB at the model's active SH degree.
func DefaultOptions() Options {
	return Options{ScalingModifier: 1, Mode: ModeRGB, SHDegree: -1}
}

// Output is the result of a forward pass. Image is H*W*3 row-major RGB.
type Output struct {
	Width, Height int
	Image         []float32
	Alpha         []float32
	Depth         []float32

	// Radii holds the screen-space footprint radius of each splat, 0 when
	// culled.
	Radii   []float32
	Visible []bool

	Generation uint64
	// Aux carries backend-private buffers needed by Backward.
	Aux any
}

// Gradients is the result of a backward pass.
type Gradients struct {
	Params *splat.Gradients
	// MeanGrad2D is the norm of dLoss/d(screen position) per splat, in
	// normalised device units.
	MeanGrad2D []float32
}

// Rasterizer is a differentiable splat renderer.
type Rasterizer interface {
	Forward(cam *Camera, model *splat.Model, background [3]float32, opts Options) (*Output, error)
	// Backward propagates dLoss/dImage (same layout as Output.Image) to the
	// model parameters used for out.
	Backward(out *Output, dImage []float32) (*Gradients, error)
}

// CheckFinite returns ErrNumerical when any value in x is NaN or infinite.
func CheckFinite(what string, x []float32) error {
	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: %s[%d] = %v", ErrNumerical, what, i, v)
		}
	}
	return nil
}
