package train

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/splatter/internal/checkpoint"
	"github.com/samcharles93/splatter/internal/optim"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/strategy"
)

// ErrInvalidConfig is wrapped by every ConfigError.
var ErrInvalidConfig = errors.New("train: invalid config")

// ConfigError names the offending field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Config is the full set of training hyperparameters.
type Config struct {
	Iterations int   `yaml:"iterations"`
	Seed       int64 `yaml:"seed"`

	SHDegree         int `yaml:"sh_degree"`
	SHDegreeInterval int `yaml:"sh_degree_interval"`

	LambdaDSSIM float64 `yaml:"lambda_dssim"`

	// Means learning rates are multiplied by the scene radius and decayed
	// exponentially from MeansLR to MeansLRFinal over the run.
	MeansLR      float64      `yaml:"means_lr"`
	MeansLRFinal float64      `yaml:"means_lr_final"`
	ScalesLR     float64      `yaml:"scales_lr"`
	RotationsLR  float64      `yaml:"rotations_lr"`
	OpacitiesLR  float64      `yaml:"opacities_lr"`
	SHLR         float64      `yaml:"sh_lr"`
	Adam         optim.Config `yaml:"adam"`

	Background       [3]float32 `yaml:"background"`
	RandomBackground bool       `yaml:"random_background"`
	Antialiasing     bool       `yaml:"antialiasing"`

	LogEvery        int    `yaml:"log_every"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	EvalEvery       int    `yaml:"eval_every"`
	LossHistory     int    `yaml:"loss_history"`
	OutputDir       string `yaml:"output_dir"`
	// CheckpointFormat is the extension used for checkpoints: splat,
	// safetensors or ply.
	CheckpointFormat string `yaml:"checkpoint_format"`

	Strategy strategy.Config `yaml:"strategy"`
}

// DefaultConfig returns 3D Gaussian splatting defaults for a 30k iteration
// MCMC run.
func DefaultConfig() Config {
	adam := optim.DefaultConfig()
	return Config{
		Iterations:       30_000,
		Seed:             42,
		SHDegree:         3,
		SHDegreeInterval: 1000,
		LambdaDSSIM:      0.2,
		MeansLR:          adam.LR[splat.AttrMeans],
		MeansLRFinal:     1.6e-6,
		ScalesLR:         adam.LR[splat.AttrScales],
		RotationsLR:      adam.LR[splat.AttrRotations],
		OpacitiesLR:      adam.LR[splat.AttrOpacities],
		SHLR:             adam.LR[splat.AttrSH],
		Adam:             adam,
		LogEvery:         100,
		CheckpointEvery:  7000,
		EvalEvery:        7000,
		LossHistory:      100,
		CheckpointFormat: "splat",
		Strategy:         strategy.DefaultConfig(),
	}
}

// Validate checks every field before training starts.
func (c Config) Validate() error {
	bad := func(field, format string, args ...any) error {
		return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case c.Iterations <= 0:
		return bad("iterations", "must be positive, got %d", c.Iterations)
	case c.SHDegree < 0 || c.SHDegree > splat.MaxSHDegree:
		return bad("sh_degree", "must be in [0, %d], got %d", splat.MaxSHDegree, c.SHDegree)
	case c.SHDegreeInterval < 0:
		return bad("sh_degree_interval", "must not be negative, got %d", c.SHDegreeInterval)
	case c.LambdaDSSIM < 0 || c.LambdaDSSIM > 1:
		return bad("lambda_dssim", "must be in [0, 1], got %g", c.LambdaDSSIM)
	case !(c.MeansLR > 0):
		return bad("means_lr", "must be positive, got %g", c.MeansLR)
	case !(c.MeansLRFinal > 0) || c.MeansLRFinal > c.MeansLR:
		return bad("means_lr_final", "must be in (0, means_lr], got %g", c.MeansLRFinal)
	case c.ScalesLR < 0 || c.RotationsLR < 0 || c.OpacitiesLR < 0 || c.SHLR < 0:
		return bad("lr", "learning rates must not be negative")
	case !(c.Adam.Beta1 >= 0 && c.Adam.Beta1 < 1) || !(c.Adam.Beta2 >= 0 && c.Adam.Beta2 < 1):
		return bad("adam", "betas must be in [0, 1)")
	case !(c.Adam.Eps > 0):
		return bad("adam.eps", "must be positive, got %g", c.Adam.Eps)
	case c.LogEvery < 0 || c.CheckpointEvery < 0 || c.EvalEvery < 0:
		return bad("cadence", "log_every, checkpoint_every and eval_every must not be negative")
	case c.LossHistory <= 0:
		return bad("loss_history", "must be positive, got %d", c.LossHistory)
	}
	for _, v := range c.Background {
		if !(v >= 0 && v <= 1) {
			return bad("background", "components must be in [0, 1], got %v", c.Background)
		}
	}
	if _, err := checkpoint.FormatOf("x." + strings.TrimPrefix(c.CheckpointFormat, ".")); err != nil {
		return bad("checkpoint_format", "unknown format %q", c.CheckpointFormat)
	}
	if err := c.Strategy.Validate(); err != nil {
		return &ConfigError{Field: "strategy", Reason: err.Error()}
	}
	return nil
}

func (c Config) adam() optim.Config {
	a := c.Adam
	a.LR[splat.AttrMeans] = c.MeansLR
	a.LR[splat.AttrScales] = c.ScalesLR
	a.LR[splat.AttrRotations] = c.RotationsLR
	a.LR[splat.AttrOpacities] = c.OpacitiesLR
	a.LR[splat.AttrSH] = c.SHLR
	return a
}
