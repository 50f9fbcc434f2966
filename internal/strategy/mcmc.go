// Package strategy implements MCMC density control: the population of
// splats is restructured between optimizer steps by relocating dead splats
// onto live ones, splitting high-gradient splats and perturbing positions
// with opacity-gated noise.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/sampling"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
)

var (
	// ErrNoAliveSplats is fatal: every splat is below the opacity threshold
	// so there is no distribution to relocate from.
	ErrNoAliveSplats = errors.New("strategy: no alive splats to relocate from")
	// ErrBudgetExceeded reports a population that does not fit the cap.
	ErrBudgetExceeded = errors.New("strategy: splat budget exceeded")
	// ErrInvalidConfig reports an unusable Config.
	ErrInvalidConfig = errors.New("strategy: invalid config")
	// ErrStaleStats reports statistics computed for a different population.
	ErrStaleStats = errors.New("strategy: statistics do not match population")
)

const (
	noiseSharpness = 100
	noiseThreshold = 0.005
)

// Growth policy names accepted by Config.Growth.
const (
	GrowthRate   = "rate"
	GrowthLinear = "linear"
)

// Config controls the refine schedule and the MCMC hyperparameters.
type Config struct {
	CapMax      int     `yaml:"cap_max"`
	RefineEvery int     `yaml:"refine_every"`
	StartIter   int     `yaml:"start_iter"`
	StopIter    int     `yaml:"stop_iter"`
	MinOpacity  float64 `yaml:"min_opacity"`
	Growth      string  `yaml:"growth"`
	GrowthRate  float64 `yaml:"growth_rate"`
	NoiseLR     float64 `yaml:"noise_lr"`
	OpacityReg  float64 `yaml:"opacity_reg"`
	ScaleReg    float64 `yaml:"scale_reg"`
}

// DefaultConfig returns the usual MCMC settings for a 30k iteration run.
func DefaultConfig() Config {
	return Config{
		CapMax:      1_000_000,
		RefineEvery: 100,
		StartIter:   500,
		StopIter:    25_000,
		MinOpacity:  0.005,
		Growth:      GrowthRate,
		GrowthRate:  0.05,
		NoiseLR:     5e5,
		OpacityReg:  0.01,
		ScaleReg:    0.01,
	}
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	switch {
	case c.CapMax <= 0:
		return fmt.Errorf("%w: cap_max must be positive, got %d", ErrInvalidConfig, c.CapMax)
	case c.RefineEvery <= 0:
		return fmt.Errorf("%w: refine_every must be positive, got %d", ErrInvalidConfig, c.RefineEvery)
	case c.StartIter < 0:
		return fmt.Errorf("%w: start_iter must not be negative, got %d", ErrInvalidConfig, c.StartIter)
	case c.StopIter < c.StartIter:
		return fmt.Errorf("%w: stop_iter %d before start_iter %d", ErrInvalidConfig, c.StopIter, c.StartIter)
	case !(c.MinOpacity >= 0 && c.MinOpacity < 1):
		return fmt.Errorf("%w: min_opacity must be in [0, 1), got %g", ErrInvalidConfig, c.MinOpacity)
	case c.GrowthRate < 0:
		return fmt.Errorf("%w: growth_rate must not be negative, got %g", ErrInvalidConfig, c.GrowthRate)
	case c.NoiseLR < 0 || c.OpacityReg < 0 || c.ScaleReg < 0:
		return fmt.Errorf("%w: noise_lr and regularizer weights must not be negative", ErrInvalidConfig)
	}
	switch c.Growth {
	case "", GrowthRate, GrowthLinear:
	default:
		return fmt.Errorf("%w: unknown growth policy %q", ErrInvalidConfig, c.Growth)
	}
	return nil
}

func (c Config) policy() GrowthPolicy {
	if c.Growth == GrowthLinear {
		return LinearGrowth{StopIter: c.StopIter, RefineEvery: c.RefineEvery}
	}
	return RateGrowth{Rate: c.GrowthRate}
}

// Stats are the per-splat statistics produced by a backward pass.
type Stats struct {
	// Grad2D is the norm of the screen-space gradient of each splat mean.
	Grad2D []float32
	// Visible marks splats that contributed to the image. Nil means all.
	Visible []bool
}

// RefineReport records what one refine step did.
type RefineReport struct {
	Iter     int
	Dead     int
	Sources  int
	Grown    int
	GrownIdx []int
	Children splat.Range
	N        int
}

// Option configures an MCMC strategy.
type Option func(*MCMC)

// WithLogger sets the logger used for refine events.
func WithLogger(l logger.Logger) Option {
	return func(m *MCMC) { m.log = l }
}

// WithGrowthPolicy overrides the policy derived from Config.Growth.
func WithGrowthPolicy(p GrowthPolicy) Option {
	return func(m *MCMC) { m.policy = p }
}

// MCMC owns the density-control state for one model. It must only be used
// from the training goroutine.
type MCMC struct {
	cfg    Config
	model  *splat.Model
	policy GrowthPolicy
	rng    *rand.Rand
	log    logger.Logger
	acc    *accumulator
}

// New wraps model. rng is owned by the strategy from here on.
func New(cfg Config, model *splat.Model, rng *rand.Rand, opts ...Option) (*MCMC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if limit := model.MaxSplats(); limit > 0 && cfg.CapMax > limit {
		return nil, fmt.Errorf("%w: cap_max %d above model capacity %d", ErrBudgetExceeded, cfg.CapMax, limit)
	}
	n := model.Size()
	if n > cfg.CapMax {
		return nil, fmt.Errorf("%w: %d seed splats, cap_max %d", ErrBudgetExceeded, n, cfg.CapMax)
	}
	m := &MCMC{
		cfg:    cfg,
		model:  model,
		policy: cfg.policy(),
		rng:    rng,
		log:    logger.Discard(),
		acc:    &accumulator{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.acc.Append(n)
	if err := model.Attach(m.acc); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the strategy configuration.
func (m *MCMC) Config() Config { return m.cfg }

// Accumulate adds one iteration of statistics. Empty stats are ignored.
func (m *MCMC) Accumulate(stats Stats) error {
	if len(stats.Grad2D) == 0 {
		return nil
	}
	n := m.acc.Len()
	if len(stats.Grad2D) != n || (stats.Visible != nil && len(stats.Visible) != n) {
		return fmt.Errorf("%w: %d entries for %d splats", ErrStaleStats, len(stats.Grad2D), n)
	}
	m.acc.add(stats.Grad2D, stats.Visible)
	return nil
}

// Refining reports whether iter is a refine iteration.
func (m *MCMC) Refining(iter int) bool {
	return iter >= m.cfg.StartIter && iter < m.cfg.StopIter && iter%m.cfg.RefineEvery == 0
}

// PostStep runs after the optimizer step of iteration iter. It accumulates
// stats, refines on refine iterations and injects position noise scaled by
// the current means learning rate. The report is nil when no refine ran.
func (m *MCMC) PostStep(iter int, stats Stats, meansLR float64) (*RefineReport, error) {
	if iter >= m.cfg.StopIter {
		return nil, nil
	}
	if err := m.Accumulate(stats); err != nil {
		return nil, err
	}
	var rep *RefineReport
	if m.Refining(iter) {
		r, err := m.Refine(iter)
		if err != nil {
			return nil, err
		}
		rep = &r
	}
	m.InjectNoise(meansLR)
	return rep, nil
}

// Refine relocates dead splats, grows the population and clears the
// accumulated statistics.
func (m *MCMC) Refine(iter int) (RefineReport, error) {
	rep := RefineReport{Iter: iter}
	dead, sources, err := m.RelocateDead()
	if err != nil {
		return rep, fmt.Errorf("iteration %d: %w", iter, err)
	}
	rep.Dead, rep.Sources = dead, sources

	idx, children, err := m.Grow(iter)
	if err != nil {
		return rep, fmt.Errorf("iteration %d: %w", iter, err)
	}
	rep.Grown, rep.GrownIdx, rep.Children = len(idx), idx, children
	m.acc.clear()
	rep.N = m.model.Size()

	m.log.Debug("refine",
		"iter", iter,
		"dead", rep.Dead,
		"sources", rep.Sources,
		"grown", rep.Grown,
		"n", rep.N,
	)
	return rep, nil
}

// RelocateDead moves every splat whose opacity is at or below MinOpacity onto
// a live splat drawn with probability proportional to opacity. Each chosen
// source and its copies share the source's footprint, and all of them restart
// with zero optimizer state. It returns the dead count and the number of
// distinct sources.
func (m *MCMC) RelocateDead() (dead, sources int, err error) {
	ops := m.model.ActivatedOpacities()
	minOp := float32(m.cfg.MinOpacity)
	var deadIdx, aliveIdx []int
	for i, o := range ops {
		if o <= minOp || o != o {
			deadIdx = append(deadIdx, i)
		} else {
			aliveIdx = append(aliveIdx, i)
		}
	}
	if len(deadIdx) == 0 {
		return 0, 0, nil
	}
	if len(aliveIdx) == 0 {
		return len(deadIdx), 0, fmt.Errorf("%w: all %d splats at or below opacity %g", ErrNoAliveSplats, len(ops), m.cfg.MinOpacity)
	}
	cat, err := sampling.NewCategorical(ops, aliveIdx)
	if err != nil {
		return len(deadIdx), 0, fmt.Errorf("%w: %v", ErrNoAliveSplats, err)
	}
	drawn := cat.Draw(m.rng, len(deadIdx))

	copies := make(map[int]int, len(drawn))
	for _, s := range drawn {
		copies[s]++
	}
	uniq := make([]int, 0, len(copies))
	for s := range copies {
		uniq = append(uniq, s)
	}
	sort.Ints(uniq)

	src := m.model.Gather(uniq)
	pos := make(map[int]int, len(uniq))
	for row, s := range uniq {
		pos[s] = row
		m.shrink(&src, row, copies[s]+1)
	}

	// Sources first, then one copy per dead slot.
	idx := append(append([]int(nil), uniq...), deadIdx...)
	b := splat.NewBatch(len(idx), m.model.SHDegree())
	for row := range uniq {
		copyRow(&b, row, &src, row)
	}
	for k, s := range drawn {
		copyRow(&b, len(uniq)+k, &src, pos[s])
	}
	if err := m.model.Relocate(idx, b, idx); err != nil {
		return len(deadIdx), len(uniq), err
	}
	return len(deadIdx), len(uniq), nil
}

// Grow splits up to the policy's count of high-gradient splats. Each parent
// keeps its index and optimizer state with a shrunk footprint; its child is
// appended at a point sampled from the parent's Gaussian.
func (m *MCMC) Grow(iter int) ([]int, splat.Range, error) {
	n := m.model.Size()
	room := m.cfg.CapMax - n
	if room <= 0 {
		return nil, splat.Range{Start: n, End: n}, nil
	}
	k := min(m.policy.Count(n, m.cfg.CapMax, iter), room, n)
	if k <= 0 {
		return nil, splat.Range{Start: n, End: n}, nil
	}
	sel := m.policy.Select(m.acc.scores(), k)
	if len(sel) == 0 {
		return nil, splat.Range{Start: n, End: n}, nil
	}

	parents := m.model.Gather(sel)
	for row := range sel {
		m.shrink(&parents, row, 2)
	}
	children := parents.Clone()
	var r [9]float32
	for row := range sel {
		tensor.QuatToRotation(&r, children.Rotations.Row(row))
		s := children.Scales.Row(row)
		z := sampling.Normal3(m.rng)
		for c := range 3 {
			z[c] *= tensor.Exp(s[c])
		}
		var d [3]float32
		tensor.MulMat3Vec(&d, &r, z)
		mean := children.Means.Row(row)
		for c := range 3 {
			mean[c] += d[c]
		}
	}
	added, err := m.model.Split(sel, parents, children)
	if err != nil {
		if errors.Is(err, splat.ErrBudgetExceeded) {
			return nil, splat.Range{}, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
		return nil, splat.Range{}, err
	}
	return sel, added, nil
}

// InjectNoise perturbs every mean by covariance-shaped Gaussian noise gated
// towards transparent splats: Σz · σ(-k(o-t)) · NoiseLR · meansLR.
func (m *MCMC) InjectNoise(meansLR float64) {
	scaler := float32(m.cfg.NoiseLR * meansLR)
	if scaler == 0 {
		return
	}
	m.model.Update(func(b *splat.Batch) {
		var r [9]float32
		for i := range b.Len() {
			o := tensor.Sigmoid(b.Opacities.Data[i])
			gate := tensor.Sigmoid(-noiseSharpness * (o - noiseThreshold))
			if gate < 1e-12 {
				continue
			}
			tensor.QuatToRotation(&r, b.Rotations.Row(i))
			s := b.Scales.Row(i)
			var w [3]float32
			tensor.MulMat3TVec(&w, &r, sampling.Normal3(m.rng))
			for c := range 3 {
				e := tensor.Exp(s[c])
				w[c] *= e * e
			}
			var d [3]float32
			tensor.MulMat3Vec(&d, &r, w)
			mean := b.Means.Row(i)
			for c := range 3 {
				mean[c] += d[c] * gate * scaler
			}
		}
	})
}

// AddRegularization adds the gradients of OpacityReg·mean(σ(o)) and
// ScaleReg·mean(exp(s)) to g.
func (m *MCMC) AddRegularization(g *splat.Gradients) error {
	n := g.Len()
	if n == 0 {
		return nil
	}
	if n != m.acc.Len() {
		return fmt.Errorf("%w: gradients for %d splats, population %d", ErrStaleStats, n, m.acc.Len())
	}
	if w := float32(m.cfg.OpacityReg); w > 0 {
		raw := m.model.Param(splat.AttrOpacities).Data
		dst := g.Attr[splat.AttrOpacities].Data
		for i, x := range raw {
			s := tensor.Sigmoid(x)
			dst[i] += w * s * (1 - s) / float32(n)
		}
	}
	if w := float32(m.cfg.ScaleReg); w > 0 {
		raw := m.model.Param(splat.AttrScales).Data
		dst := g.Attr[splat.AttrScales].Data
		for j, x := range raw {
			dst[j] += w * tensor.Exp(x) / float32(len(raw))
		}
	}
	return nil
}

// RegularizationLoss returns the value of the regularizer terms.
func (m *MCMC) RegularizationLoss() float64 {
	var loss float64
	if ops := m.model.Param(splat.AttrOpacities).Data; len(ops) > 0 && m.cfg.OpacityReg > 0 {
		var sum float64
		for _, x := range ops {
			sum += float64(tensor.Sigmoid(x))
		}
		loss += m.cfg.OpacityReg * sum / float64(len(ops))
	}
	if sc := m.model.Param(splat.AttrScales).Data; len(sc) > 0 && m.cfg.ScaleReg > 0 {
		var sum float64
		for _, x := range sc {
			sum += math.Exp(float64(x))
		}
		loss += m.cfg.ScaleReg * sum / float64(len(sc))
	}
	return loss
}

// shrink rewrites row of b as one of ratio copies of itself.
func (m *MCMC) shrink(b *splat.Batch, row, ratio int) {
	op := float64(tensor.Sigmoid(b.Opacities.Data[row]))
	newOp, scale := relocate(op, ratio)
	newOp = math.Min(math.Max(newOp, m.cfg.MinOpacity), 1-1e-6)
	b.Opacities.Data[row] = tensor.Logit(float32(newOp))
	ls := float32(math.Log(scale))
	s := b.Scales.Row(row)
	for c := range 3 {
		s[c] += ls
	}
}

func copyRow(dst *splat.Batch, di int, src *splat.Batch, si int) {
	for a := range splat.NumAttrs {
		copy(dst.Attr(a).Row(di), src.Attr(a).Row(si))
	}
}
