// Package train drives the optimisation loop: sample a camera, render,
// compute the photometric loss, backpropagate, take an Adam step and let the
// MCMC strategy restructure the population.
//
// A Trainer is owned by the goroutine that calls Train. Other goroutines may
// call Status and read the model through splat.Model.Snapshot.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/splatter/internal/checkpoint"
	"github.com/samcharles93/splatter/internal/dataset"
	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/loss"
	"github.com/samcharles93/splatter/internal/optim"
	"github.com/samcharles93/splatter/internal/render"
	"github.com/samcharles93/splatter/internal/sampling"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/strategy"
)

// EvalResult holds quality metrics averaged over the held-out cameras.
type EvalResult struct {
	Iteration int     `json:"iteration"`
	Cameras   int     `json:"cameras"`
	PSNR      float64 `json:"psnr"`
	L1        float64 `json:"l1"`
	SSIM      float64 `json:"ssim"`
}

// Status is a point-in-time summary published after every iteration.
type Status struct {
	RunID      string      `json:"run_id"`
	Running    bool        `json:"running"`
	Iteration  int         `json:"iteration"`
	Iterations int         `json:"iterations"`
	Splats     int         `json:"splats"`
	Loss       float64     `json:"loss"`
	MeanLoss   float64     `json:"mean_loss"`
	MeansLR    float64     `json:"means_lr"`
	ActiveSH   int         `json:"active_sh_degree"`
	Eval       *EvalResult `json:"eval,omitempty"`
	Checkpoint string      `json:"checkpoint,omitempty"`
	Started    time.Time   `json:"started"`
	Updated    time.Time   `json:"updated"`
}

// Result summarises a finished or cancelled run.
type Result struct {
	// Iterations is the last fully completed iteration.
	Iterations int
	Cancelled  bool
	Splats     int
	Loss       float64
	Refines    []strategy.RefineReport
	Checkpoint string
	Eval       *EvalResult
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Trainer) { t.log = l }
}

// WithEvalSet sets the held-out cameras used on the EvalEvery cadence.
func WithEvalSet(p dataset.Provider) Option {
	return func(t *Trainer) { t.eval = p }
}

// WithRunID tags status and checkpoints with a run identifier.
func WithRunID(id string) Option {
	return func(t *Trainer) { t.runID = id }
}

// WithRegistry registers the trainer metrics with reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *Trainer) { t.registry = reg }
}

// WithStartIteration resumes counting after iter, typically the iteration
// recorded in a loaded checkpoint.
func WithStartIteration(iter int) Option {
	return func(t *Trainer) { t.start = iter }
}

// WithIterationHook calls fn on the training goroutine after every
// iteration.
func WithIterationHook(fn func(Status)) Option {
	return func(t *Trainer) { t.hook = fn }
}

// WithGrowthPolicy overrides the growth policy named in the strategy config.
func WithGrowthPolicy(p strategy.GrowthPolicy) Option {
	return func(t *Trainer) { t.stratOpts = append(t.stratOpts, strategy.WithGrowthPolicy(p)) }
}

// Trainer runs one training session.
type Trainer struct {
	cfg   Config
	data  dataset.Provider
	eval  dataset.Provider
	rast  render.Rasterizer
	model *splat.Model
	opt   *optim.Adam
	strat *strategy.MCMC
	loss  loss.Photometric

	rng    *rand.Rand
	order  *sampling.Order
	start  int
	radius float64

	log       logger.Logger
	runID     string
	registry  *prometheus.Registry
	metrics   *metrics
	hook      func(Status)
	stratOpts []strategy.Option

	history   []float64
	histCount int
	started   time.Time
	lastEval  *EvalResult
	lastCkpt  string
	ckptIter  int
	status    atomic.Pointer[Status]
}

// New validates cfg and wires the optimizer and strategy to model.
func New(cfg Config, data dataset.Provider, rast render.Rasterizer, model *splat.Model, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if data == nil || data.Len() == 0 {
		return nil, dataset.ErrNoCameras
	}
	if rast == nil {
		return nil, &ConfigError{Field: "rasterizer", Reason: "missing"}
	}
	if model == nil || model.Size() == 0 {
		return nil, &ConfigError{Field: "model", Reason: "empty initial population"}
	}

	t := &Trainer{
		cfg:      cfg,
		data:     data,
		rast:     rast,
		model:    model,
		loss:     loss.Photometric{Lambda: cfg.LambdaDSSIM},
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		log:      logger.Discard(),
		history:  make([]float64, cfg.LossHistory),
		ckptIter: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.start < 0 || t.start > cfg.Iterations {
		return nil, &ConfigError{Field: "start_iteration", Reason: fmt.Sprintf("%d outside [0, %d]", t.start, cfg.Iterations)}
	}
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
	}
	t.metrics = newMetrics(t.registry)
	t.order = sampling.NewOrder(data.Len(), t.rng)
	t.radius = float64(data.SceneRadius())

	var err error
	if t.opt, err = optim.New(cfg.adam(), model); err != nil {
		return nil, err
	}
	// The strategy draws from its own stream so camera order does not
	// depend on how many splats were relocated.
	stratRNG := rand.New(rand.NewSource(cfg.Seed ^ 0x5eed))
	t.stratOpts = append([]strategy.Option{strategy.WithLogger(t.log)}, t.stratOpts...)
	if t.strat, err = strategy.New(cfg.Strategy, model, stratRNG, t.stratOpts...); err != nil {
		return nil, err
	}
	t.publish(0, 0, false)
	return t, nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *splat.Model { return t.model }

// Registry returns the metrics registry.
func (t *Trainer) Registry() *prometheus.Registry { return t.registry }

// Status returns the latest published summary. Safe for concurrent use.
func (t *Trainer) Status() Status { return *t.status.Load() }

// MeansLR returns the position learning rate for iter: an exponential decay
// from MeansLR to MeansLRFinal, scaled by the scene radius.
func (t *Trainer) MeansLR(iter int) float64 {
	frac := 0.0
	if t.cfg.Iterations > 1 {
		frac = float64(iter-1) / float64(t.cfg.Iterations-1)
	}
	frac = min(max(frac, 0), 1)
	lr := math.Exp((1-frac)*math.Log(t.cfg.MeansLR) + frac*math.Log(t.cfg.MeansLRFinal))
	return lr * t.radius
}

// Train runs iterations until Iterations is reached, an error occurs or ctx
// is cancelled. Cancellation is checked before each iteration; the iteration
// in flight always completes. A final checkpoint is written on completion
// and on cancellation when OutputDir is set. Cancellation is reported in
// Result, not as an error.
func (t *Trainer) Train(ctx context.Context) (Result, error) {
	t.started = time.Now()
	res := Result{Iterations: t.start}
	t.log.Info("training started",
		"run_id", t.runID,
		"splats", t.model.Size(),
		"cameras", t.data.Len(),
		"from", t.start+1,
		"to", t.cfg.Iterations,
	)

	var last float64
	for iter := t.start + 1; iter <= t.cfg.Iterations; iter++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		begin := time.Now()
		l, rep, err := t.step(iter)
		if err != nil {
			t.publish(res.Iterations, last, false)
			return t.finish(res, last), fmt.Errorf("iteration %d: %w", iter, err)
		}
		last = l
		res.Iterations = iter
		if rep != nil {
			res.Refines = append(res.Refines, *rep)
			t.metrics.refine(*rep)
		}
		t.metrics.stepSeconds.Observe(time.Since(begin).Seconds())

		if err := t.cadences(iter, l); err != nil {
			t.publish(iter, l, false)
			return t.finish(res, l), err
		}
		st := t.publish(iter, l, true)
		if t.hook != nil {
			t.hook(st)
		}
	}

	if res.Cancelled {
		t.log.Info("training cancelled", "iteration", res.Iterations)
	}
	if err := t.checkpointIfNeeded(res.Iterations); err != nil {
		t.publish(res.Iterations, last, false)
		return t.finish(res, last), err
	}
	t.publish(res.Iterations, last, false)
	res = t.finish(res, last)
	t.log.Info("training finished",
		"iteration", res.Iterations,
		"splats", res.Splats,
		"loss", res.Loss,
		"elapsed", time.Since(t.started).Round(time.Millisecond),
	)
	return res, nil
}

func (t *Trainer) finish(res Result, l float64) Result {
	res.Splats = t.model.Size()
	res.Loss = l
	res.Checkpoint = t.lastCkpt
	res.Eval = t.lastEval
	return res
}

// step runs one full iteration and returns its loss.
func (t *Trainer) step(iter int) (float64, *strategy.RefineReport, error) {
	if t.cfg.SHDegreeInterval > 0 {
		want := min(t.model.SHDegree(), iter/t.cfg.SHDegreeInterval)
		if want != t.model.ActiveSHDegree() {
			t.model.SetActiveSHDegree(want)
		}
	} else if t.model.ActiveSHDegree() != t.model.SHDegree() {
		t.model.SetActiveSHDegree(t.model.SHDegree())
	}
	lr := t.MeansLR(iter)
	t.opt.SetLR(splat.AttrMeans, lr)

	i := t.order.Next()
	cam := t.data.Camera(i)
	gt, err := t.data.Image(i)
	if err != nil {
		return 0, nil, fmt.Errorf("image %d: %w", i, err)
	}

	bg := t.cfg.Background
	if t.cfg.RandomBackground {
		bg = [3]float32{t.rng.Float32(), t.rng.Float32(), t.rng.Float32()}
	}
	opts := render.DefaultOptions()
	opts.Antialiasing = t.cfg.Antialiasing

	out, err := t.rast.Forward(cam, t.model, bg, opts)
	if err != nil {
		return 0, nil, err
	}
	if err := render.CheckFinite("image", out.Image); err != nil {
		return 0, nil, err
	}
	lres, dImage, err := t.loss.Compute(out.Image, gt, cam.Width, cam.Height)
	if err != nil {
		return 0, nil, err
	}
	total := lres.Loss + t.strat.RegularizationLoss()
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, nil, fmt.Errorf("%w: loss %v", render.ErrNumerical, total)
	}

	grads, err := t.rast.Backward(out, dImage)
	if err != nil {
		return 0, nil, err
	}
	if err := t.strat.AddRegularization(grads.Params); err != nil {
		return 0, nil, err
	}
	if err := t.opt.Step(t.model, grads.Params); err != nil {
		return 0, nil, err
	}
	rep, err := t.strat.PostStep(iter, strategy.Stats{Grad2D: grads.MeanGrad2D, Visible: out.Visible}, lr)
	if err != nil {
		return 0, nil, err
	}

	t.history[t.histCount%len(t.history)] = total
	t.histCount++
	t.metrics.loss.Set(total)
	t.metrics.meansLR.Set(lr)
	return total, rep, nil
}

func (t *Trainer) cadences(iter int, l float64) error {
	if every := t.cfg.LogEvery; every > 0 && iter%every == 0 {
		elapsed := time.Since(t.started).Seconds()
		t.log.Info("train",
			"iteration", iter,
			"loss", l,
			"mean_loss", t.meanLoss(),
			"splats", t.model.Size(),
			"it/s", float64(iter-t.start)/max(elapsed, 1e-9),
		)
	}
	if every := t.cfg.EvalEvery; every > 0 && iter%every == 0 && t.eval != nil && t.eval.Len() > 0 {
		ev, err := t.Evaluate(iter)
		if err != nil {
			return fmt.Errorf("evaluation at iteration %d: %w", iter, err)
		}
		t.log.Info("eval", "iteration", iter, "psnr", ev.PSNR, "ssim", ev.SSIM, "l1", ev.L1, "cameras", ev.Cameras)
	}
	if every := t.cfg.CheckpointEvery; every > 0 && iter%every == 0 {
		return t.saveCheckpoint(iter)
	}
	return nil
}

// Evaluate renders every held-out camera and averages PSNR, L1 and SSIM.
// It must be called from the training goroutine.
func (t *Trainer) Evaluate(iter int) (EvalResult, error) {
	ev := EvalResult{Iteration: iter}
	if t.eval == nil {
		return ev, nil
	}
	opts := render.DefaultOptions()
	opts.Antialiasing = t.cfg.Antialiasing
	for i := range t.eval.Len() {
		cam := t.eval.Camera(i)
		gt, err := t.eval.Image(i)
		if err != nil {
			return ev, fmt.Errorf("eval image %d: %w", i, err)
		}
		out, err := t.rast.Forward(cam, t.model, t.cfg.Background, opts)
		if err != nil {
			return ev, err
		}
		ssim, err := loss.SSIM(out.Image, gt, cam.Width, cam.Height)
		if err != nil {
			return ev, err
		}
		ev.PSNR += loss.PSNR(out.Image, gt)
		ev.L1 += loss.L1(out.Image, gt)
		ev.SSIM += ssim
		ev.Cameras++
	}
	if ev.Cameras > 0 {
		n := float64(ev.Cameras)
		ev.PSNR /= n
		ev.L1 /= n
		ev.SSIM /= n
	}
	t.lastEval = &ev
	if !math.IsInf(ev.PSNR, 0) {
		t.metrics.psnr.Set(ev.PSNR)
	}
	return ev, nil
}

// CheckpointPath returns where the checkpoint for iter is written.
func (t *Trainer) CheckpointPath(iter int) string {
	ext := strings.TrimPrefix(t.cfg.CheckpointFormat, ".")
	return filepath.Join(t.cfg.OutputDir, "checkpoints", fmt.Sprintf("iter_%06d.%s", iter, ext))
}

func (t *Trainer) checkpointIfNeeded(iter int) error {
	if t.cfg.OutputDir == "" || iter == t.ckptIter {
		return nil
	}
	return t.saveCheckpoint(iter)
}

func (t *Trainer) saveCheckpoint(iter int) error {
	if t.cfg.OutputDir == "" {
		return nil
	}
	path := t.CheckpointPath(iter)
	meta := checkpoint.Metadata{RunID: t.runID, Iteration: iter}
	if err := checkpoint.Save(path, t.model.Snapshot(), meta); err != nil {
		if errors.Is(err, checkpoint.ErrUnknownFormat) {
			return &ConfigError{Field: "checkpoint_format", Reason: err.Error()}
		}
		return err
	}
	t.lastCkpt, t.ckptIter = path, iter
	t.metrics.checkpoints.Inc()
	t.log.Info("checkpoint saved", "iteration", iter, "path", path)
	return nil
}

func (t *Trainer) meanLoss() float64 {
	n := min(t.histCount, len(t.history))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.history[:n] {
		sum += v
	}
	return sum / float64(n)
}

// LossHistory returns the retained losses, oldest first.
func (t *Trainer) LossHistory() []float64 {
	n := min(t.histCount, len(t.history))
	out := make([]float64, 0, n)
	for k := t.histCount - n; k < t.histCount; k++ {
		out = append(out, t.history[k%len(t.history)])
	}
	return out
}

func (t *Trainer) publish(iter int, l float64, running bool) Status {
	n := t.model.Size()
	st := &Status{
		RunID:      t.runID,
		Running:    running,
		Iteration:  iter,
		Iterations: t.cfg.Iterations,
		Splats:     n,
		Loss:       l,
		MeanLoss:   t.meanLoss(),
		MeansLR:    t.opt.LR(splat.AttrMeans),
		ActiveSH:   t.model.ActiveSHDegree(),
		Eval:       t.lastEval,
		Checkpoint: t.lastCkpt,
		Started:    t.started,
		Updated:    time.Now(),
	}
	t.status.Store(st)
	t.metrics.iteration.Set(float64(iter))
	t.metrics.splats.Set(float64(n))
	return *st
}
