package train

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/splatter/internal/checkpoint"
	"github.com/samcharles93/splatter/internal/dataset"
	"github.com/samcharles93/splatter/internal/render"
	"github.com/samcharles93/splatter/internal/render/cpu"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/strategy"
)

// fakeRasterizer renders flat grey and reports a fixed per-index screen
// gradient, so the loop can be exercised without real rasterization.
type fakeRasterizer struct{}

type fakeAux struct {
	n, deg int
}

func (fakeRasterizer) Forward(cam *render.Camera, m *splat.Model, bg [3]float32, opts render.Options) (*render.Output, error) {
	n := m.Size()
	img := make([]float32, cam.Pixels()*3)
	for i := range img {
		img[i] = 0.5
	}
	vis := make([]bool, n)
	for i := range vis {
		vis[i] = true
	}
	return &render.Output{
		Width:      cam.Width,
		Height:     cam.Height,
		Image:      img,
		Visible:    vis,
		Generation: m.Generation(),
		Aux:        fakeAux{n: n, deg: m.SHDegree()},
	}, nil
}

func (fakeRasterizer) Backward(out *render.Output, dImage []float32) (*render.Gradients, error) {
	aux := out.Aux.(fakeAux)
	g := &render.Gradients{
		Params:     splat.NewGradients(aux.n, aux.deg),
		MeanGrad2D: make([]float32, aux.n),
	}
	for i := range g.MeanGrad2D {
		g.MeanGrad2D[i] = float32((i*7919)%1000)/1000 + 1e-3
	}
	return g, nil
}

func testCameras(n, w, h int) []render.Camera {
	cams := make([]render.Camera, n)
	for i := range cams {
		dx := float32(i) * 0.1
		cams[i] = render.Camera{
			ID: i, Width: w, Height: h,
			Fx: float32(w), Fy: float32(w), Cx: float32(w) / 2, Cy: float32(h) / 2,
			R:      [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
			T:      [3]float32{-dx, 0, 0},
			Center: [3]float32{dx, 0, 0},
		}
	}
	return cams
}

func flatDataset(t *testing.T, n, w, h int, v float32) *dataset.Memory {
	t.Helper()
	cams := testCameras(n, w, h)
	imgs := make([][]float32, n)
	for i := range imgs {
		imgs[i] = make([]float32, w*h*3)
		for j := range imgs[i] {
			imgs[i][j] = v
		}
	}
	d, err := dataset.NewMemory(cams, imgs)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	return d
}

func seedModel(t *testing.T, n, capMax int, opacity float32) *splat.Model {
	t.Helper()
	m, err := splat.RandomInit(n, [3]float32{0, 0, 5}, 1, splat.InitOptions{
		MaxSplats:   capMax,
		InitOpacity: opacity,
		Rand:        rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.Iterations = 1600
	cfg.SHDegree = 0
	cfg.LogEvery = 0
	cfg.EvalEvery = 0
	cfg.CheckpointEvery = 0
	cfg.Strategy.CapMax = 2000
	cfg.Strategy.RefineEvery = 100
	cfg.Strategy.StartIter = 500
	cfg.Strategy.StopIter = 1500
	cfg.Strategy.OpacityReg = 0
	cfg.Strategy.ScaleReg = 0
	return cfg
}

func TestPopulationSchedule(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	data := flatDataset(t, 4, 8, 8, 0.5)
	model := seedModel(t, 1000, 2000, 0.5)

	sizes := make(map[int]int, cfg.Iterations)
	hook := WithIterationHook(func(s Status) { sizes[s.Iteration] = s.Splats })
	tr, err := New(cfg, data, fakeRasterizer{}, model, hook)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if res.Cancelled || res.Iterations != cfg.Iterations {
		t.Fatalf("result %+v, want a complete run", res)
	}
	if len(res.Refines) != 10 {
		t.Fatalf("%d refines, want 10", len(res.Refines))
	}

	final := sizes[cfg.Iterations]
	prev := 1000
	for iter := 1; iter <= cfg.Iterations; iter++ {
		n := sizes[iter]
		switch {
		case n > cfg.Strategy.CapMax:
			t.Fatalf("iteration %d: %d splats above cap %d", iter, n, cfg.Strategy.CapMax)
		case iter < 500 && n != 1000:
			t.Fatalf("iteration %d: %d splats before start_iter", iter, n)
		case n < prev:
			t.Fatalf("iteration %d: population shrank from %d to %d", iter, prev, n)
		case iter >= 1500 && n != final:
			t.Fatalf("iteration %d: population %d changed after stop_iter (final %d)", iter, n, final)
		}
		prev = n
	}
	if final <= 1000 {
		t.Fatalf("population never grew: %d", final)
	}
	if err := model.CheckAligned(); err != nil {
		t.Fatal(err)
	}
}

func TestDeterministicRuns(t *testing.T) {
	t.Parallel()
	run := func() (Result, *splat.Snapshot) {
		cfg := scenarioConfig()
		cfg.Iterations = 900
		cfg.Strategy.StopIter = 900
		cfg.RandomBackground = true
		tr, err := New(cfg, flatDataset(t, 5, 8, 8, 0.3), fakeRasterizer{}, seedModel(t, 300, 2000, 0.5))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		res, err := tr.Train(context.Background())
		if err != nil {
			t.Fatalf("train: %v", err)
		}
		return res, tr.Model().Snapshot()
	}
	a, sa := run()
	b, sb := run()
	if diff := cmp.Diff(a.Refines, b.Refines); diff != "" {
		t.Fatalf("refine reports differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(sa.Means.Data, sb.Means.Data); diff != "" {
		t.Fatalf("final means differ (-first +second):\n%s", diff)
	}
}

func TestCancellationLeavesLoadableCheckpoint(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	cfg.OutputDir = t.TempDir()
	cfg.CheckpointFormat = "safetensors"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hook := WithIterationHook(func(s Status) {
		if s.Iteration == 520 {
			cancel()
		}
	})
	model := seedModel(t, 200, 2000, 0.5)
	tr, err := New(cfg, flatDataset(t, 3, 8, 8, 0.5), fakeRasterizer{}, model, hook, WithRunID("run-x"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Train(ctx)
	if err != nil {
		t.Fatalf("cancelled run returned error: %v", err)
	}
	if !res.Cancelled || res.Iterations != 520 {
		t.Fatalf("result cancelled=%v iterations=%d, want true and 520", res.Cancelled, res.Iterations)
	}
	if res.Checkpoint != tr.CheckpointPath(520) {
		t.Fatalf("checkpoint %q, want %q", res.Checkpoint, tr.CheckpointPath(520))
	}
	snap, meta, err := checkpoint.Load(res.Checkpoint)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if meta.Iteration != 520 || meta.RunID != "run-x" {
		t.Fatalf("metadata %+v", meta)
	}
	if snap.Len() != model.Size() {
		t.Fatalf("checkpoint holds %d splats, model has %d", snap.Len(), model.Size())
	}
	if st := tr.Status(); st.Running || st.Iteration != 520 {
		t.Fatalf("status %+v after cancellation", st)
	}
}

func TestAllDeadIsFatal(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	cfg.Iterations = 600
	tr, err := New(cfg, flatDataset(t, 2, 8, 8, 0.5), fakeRasterizer{}, seedModel(t, 50, 2000, 0.001))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Train(context.Background())
	if !errors.Is(err, strategy.ErrNoAliveSplats) {
		t.Fatalf("error = %v, want ErrNoAliveSplats", err)
	}
	if res.Iterations != cfg.Strategy.StartIter-1 {
		t.Fatalf("last completed iteration %d, want %d", res.Iterations, cfg.Strategy.StartIter-1)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		field  string
		mutate func(*Config)
	}{
		{"iterations", func(c *Config) { c.Iterations = 0 }},
		{"sh_degree", func(c *Config) { c.SHDegree = 4 }},
		{"lambda_dssim", func(c *Config) { c.LambdaDSSIM = 1.5 }},
		{"means_lr_final", func(c *Config) { c.MeansLRFinal = 1 }},
		{"background", func(c *Config) { c.Background[1] = 2 }},
		{"checkpoint_format", func(c *Config) { c.CheckpointFormat = "bin" }},
		{"loss_history", func(c *Config) { c.LossHistory = 0 }},
		{"strategy", func(c *Config) { c.Strategy.StopIter = c.Strategy.StartIter - 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("error = %v, want ErrInvalidConfig", err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tc.field {
				t.Fatalf("error %v does not name field %q", err, tc.field)
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestNewRejectsEmptyInputs(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	if _, err := New(cfg, flatDataset(t, 1, 4, 4, 0), fakeRasterizer{}, splat.New(0, 10)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty model error = %v", err)
	}
	cfg.Strategy.CapMax = 10
	if _, err := New(cfg, flatDataset(t, 1, 4, 4, 0), fakeRasterizer{}, seedModel(t, 20, 0, 0.5)); !errors.Is(err, strategy.ErrBudgetExceeded) {
		t.Fatalf("oversized seed error = %v", err)
	}
}

func TestMeansLRSchedule(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	cfg.Iterations = 101
	tr, err := New(cfg, flatDataset(t, 2, 4, 4, 0), fakeRasterizer{}, seedModel(t, 10, 2000, 0.5))
	if err != nil {
		t.Fatal(err)
	}
	r := tr.radius
	if got, want := tr.MeansLR(1), cfg.MeansLR*r; !near(got, want) {
		t.Fatalf("first lr %g, want %g", got, want)
	}
	if got, want := tr.MeansLR(101), cfg.MeansLRFinal*r; !near(got, want) {
		t.Fatalf("last lr %g, want %g", got, want)
	}
	mid := tr.MeansLR(51)
	if got, want := mid*mid, cfg.MeansLR*cfg.MeansLRFinal*r*r; !near(got, want) {
		t.Fatalf("midpoint lr %g is not the geometric mean", mid)
	}
}

func near(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-9*max(1, b)
}

func TestCPUBackendEndToEnd(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Iterations = 30
	cfg.SHDegree = 1
	cfg.SHDegreeInterval = 10
	cfg.LogEvery = 10
	cfg.EvalEvery = 15
	cfg.CheckpointEvery = 0
	cfg.OutputDir = t.TempDir()
	cfg.Strategy.CapMax = 200
	cfg.Strategy.RefineEvery = 10
	cfg.Strategy.StartIter = 10
	cfg.Strategy.StopIter = 25

	all := flatDataset(t, 6, 16, 16, 0.4)
	trainSet, evalSet := dataset.Split(all, 3)
	m, err := splat.RandomInit(100, [3]float32{0, 0, 5}, 1, splat.InitOptions{
		SHDegree:  1,
		MaxSplats: 200,
		Rand:      rand.New(rand.NewSource(3)),
	})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := New(cfg, trainSet, cpu.New(), m, WithEvalSet(evalSet))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if res.Iterations != 30 || res.Eval == nil || res.Eval.Cameras != 2 {
		t.Fatalf("result %+v", res)
	}
	if res.Splats > 200 || res.Splats < 100 {
		t.Fatalf("final population %d outside [100, 200]", res.Splats)
	}
	if m.ActiveSHDegree() != 1 {
		t.Fatalf("active SH degree %d, want 1", m.ActiveSHDegree())
	}
	if len(tr.LossHistory()) != 30 {
		t.Fatalf("loss history holds %d values", len(tr.LossHistory()))
	}
	if _, err := os.Stat(res.Checkpoint); err != nil {
		t.Fatalf("final checkpoint: %v", err)
	}
}
