package cpu

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/splatter/internal/render"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
)

func testCamera() *render.Camera {
	return &render.Camera{
		Width: 24, Height: 24,
		Fx: 40, Fy: 40, Cx: 12, Cy: 12,
		R: [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

type testSplat struct {
	mean    [3]float32
	scale   float32
	opacity float32
	color   [3]float32
}

func buildModel(t *testing.T, splats []testSplat) *splat.Model {
	t.Helper()
	b := splat.NewBatch(len(splats), 0)
	for i, s := range splats {
		copy(b.Means.Row(i), s.mean[:])
		ls := tensor.Log(s.scale)
		row := b.Scales.Row(i)
		row[0], row[1], row[2] = ls, ls, ls
		b.Opacities.Data[i] = tensor.Logit(s.opacity)
		for c := range 3 {
			b.SH.Row(i)[c] = splat.RGBToSH(s.color[c])
		}
	}
	m := splat.New(0, 0)
	if _, err := m.Add(b); err != nil {
		t.Fatalf("add: %v", err)
	}
	return m
}

func TestSingleSplatAtCentre(t *testing.T) {
	t.Parallel()
	m := buildModel(t, []testSplat{{mean: [3]float32{0, 0, 5}, scale: 0.2, opacity: 0.8, color: [3]float32{1, 0.5, 0.25}}})
	bg := [3]float32{0, 0, 1}
	opts := render.DefaultOptions()
	opts.Mode = render.ModeRGBD
	out, err := New().Forward(testCamera(), m, bg, opts)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	pix := 12*24 + 12
	want := [3]float32{0.8, 0.4, 0.2 + 0.2}
	for c := range 3 {
		if got := out.Image[pix*3+c]; math.Abs(float64(got-want[c])) > 1e-4 {
			t.Fatalf("centre channel %d = %v, want %v", c, got, want[c])
		}
	}
	if math.Abs(float64(out.Alpha[pix]-0.8)) > 1e-5 {
		t.Fatalf("centre alpha %v", out.Alpha[pix])
	}
	if math.Abs(float64(out.Depth[pix]-5)) > 1e-4 {
		t.Fatalf("centre depth %v", out.Depth[pix])
	}
	if !out.Visible[0] || out.Radii[0] <= 0 {
		t.Fatal("splat should be visible")
	}
	// sigma is 40*0.2/5 = 1.6 px, so the corner only sees background.
	if diff := cmp.Diff(bg[:], out.Image[0:3]); diff != "" {
		t.Fatalf("corner pixel (-want +got):\n%s", diff)
	}
}

func TestSplatBehindCameraIsCulled(t *testing.T) {
	t.Parallel()
	m := buildModel(t, []testSplat{{mean: [3]float32{0, 0, -5}, scale: 1, opacity: 0.9, color: [3]float32{1, 1, 1}}})
	out, err := New().Forward(testCamera(), m, [3]float32{}, render.DefaultOptions())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if out.Visible[0] {
		t.Fatal("splat behind the camera reported visible")
	}
	for i, v := range out.Image {
		if v != 0 {
			t.Fatalf("pixel value %d = %v, want background", i, v)
		}
	}
}

func TestOpacityOnlyRendersCoverage(t *testing.T) {
	t.Parallel()
	m := buildModel(t, []testSplat{{mean: [3]float32{0.1, 0, 4}, scale: 0.3, opacity: 0.6, color: [3]float32{0.1, 0.2, 0.3}}})
	opts := render.DefaultOptions()
	opts.OpacityOnly = true
	out, err := New().Forward(testCamera(), m, [3]float32{}, opts)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for p, a := range out.Alpha {
		for c := range 3 {
			if math.Abs(float64(out.Image[p*3+c]-a)) > 1e-6 {
				t.Fatalf("pixel %d channel %d = %v, alpha %v", p, c, out.Image[p*3+c], a)
			}
		}
	}
}

func gradientScene(t *testing.T) *splat.Model {
	return buildModel(t, []testSplat{
		{mean: [3]float32{0.1, -0.05, 5}, scale: 0.3, opacity: 0.5, color: [3]float32{0.8, 0.3, 0.4}},
		{mean: [3]float32{-0.3, 0.2, 4}, scale: 0.25, opacity: 0.4, color: [3]float32{0.2, 0.7, 0.5}},
		{mean: [3]float32{0.35, 0.3, 6}, scale: 0.4, opacity: 0.6, color: [3]float32{0.6, 0.6, 0.2}},
	})
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	t.Parallel()
	m := gradientScene(t)
	cam := testCamera()
	bg := [3]float32{0.1, 0.2, 0.3}
	b := &Backend{Workers: 2, Exact: true}
	opts := render.DefaultOptions()

	rng := rand.New(rand.NewSource(5))
	weights := make([]float32, cam.Pixels()*3)
	for i := range weights {
		weights[i] = rng.Float32()*2 - 1
	}
	loss := func() float64 {
		out, err := b.Forward(cam, m, bg, opts)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		var l float64
		for i, v := range out.Image {
			l += float64(v) * float64(weights[i])
		}
		return l
	}

	out, err := b.Forward(cam, m, bg, opts)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	grads, err := b.Backward(out, weights)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}

	const h = 1e-2
	for _, a := range []splat.Attr{splat.AttrMeans, splat.AttrScales, splat.AttrOpacities, splat.AttrSH} {
		p := m.Param(a)
		for j := range p.Data {
			orig := p.Data[j]
			p.Data[j] = orig + h
			up := loss()
			p.Data[j] = orig - h
			down := loss()
			p.Data[j] = orig
			num := (up - down) / (2 * h)
			got := float64(grads.Params.Attr[a].Data[j])
			if math.Abs(got-num) > 2e-2*max(math.Abs(got), math.Abs(num))+2e-3 {
				t.Errorf("%s[%d]: analytic %.5f, numeric %.5f", a, j, got, num)
			}
		}
	}
	for i, v := range grads.Params.Attr[splat.AttrRotations].Data {
		if v != 0 {
			t.Fatalf("rotation gradient %d = %v, want 0", i, v)
		}
	}
	for i, g := range grads.MeanGrad2D {
		if !(g > 0) {
			t.Fatalf("splat %d has 2D gradient %v", i, g)
		}
	}
}

func TestBackwardIsIndependentOfWorkers(t *testing.T) {
	t.Parallel()
	m := gradientScene(t)
	cam := testCamera()
	dImage := make([]float32, cam.Pixels()*3)
	for i := range dImage {
		dImage[i] = float32(i%7) - 3
	}
	run := func(workers int) *render.Gradients {
		b := &Backend{Workers: workers}
		out, err := b.Forward(cam, m, [3]float32{}, render.DefaultOptions())
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		g, err := b.Backward(out, dImage)
		if err != nil {
			t.Fatalf("backward: %v", err)
		}
		return g
	}
	a, b := run(1), run(8)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("gradients depend on worker count:\n%s", diff)
	}
}

func TestBackwardRejectsStaleOutput(t *testing.T) {
	t.Parallel()
	m := gradientScene(t)
	cam := testCamera()
	b := New()
	out, err := b.Forward(cam, m, [3]float32{}, render.DefaultOptions())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if _, err := m.Add(splat.NewBatch(1, 0)); err != nil {
		t.Fatal(err)
	}
	_, err = b.Backward(out, make([]float32, cam.Pixels()*3))
	if !errors.Is(err, render.ErrStaleOutput) {
		t.Fatalf("err = %v, want ErrStaleOutput", err)
	}
}
