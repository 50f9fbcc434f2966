package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/splatter/internal/checkpoint"
	"github.com/samcharles93/splatter/internal/dataset"
	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/ply"
	"github.com/samcharles93/splatter/internal/preview"
	"github.com/samcharles93/splatter/internal/render/cpu"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/train"
	"github.com/samcharles93/splatter/internal/version"
)

const defaultPreviewAddr = "127.0.0.1:8080"

// trainFlags holds the destinations of the train command. Fields that map to
// train.Config only override the config file when the flag is set.
type trainFlags struct {
	data       string
	output     string
	points     string
	resume     string
	export     string
	headless   bool
	addr       string
	workers    int64
	initSplats int64
	evalEvery  int64
	snapshot   int64

	iterations  int64
	seed        int64
	shDegree    int64
	capMax      int64
	refineEvery int64
	startIter   int64
	stopIter    int64
	noiseLR     float64
	minOpacity  float64
	growth      string
	format      string
}

func (f *trainFlags) flags() []cli.Flag {
	def := train.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "dataset directory containing cameras.json", Required: true, Destination: &f.data},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory for checkpoints", Value: "output", Destination: &f.output},
		&cli.StringFlag{Name: "points", Usage: "seed point cloud (.ply); defaults to the one shipped with the dataset", Destination: &f.points},
		&cli.StringFlag{Name: "resume", Usage: "checkpoint to resume from", Destination: &f.resume},
		&cli.StringFlag{Name: "export", Usage: "also save the final model to this path (.ply, .splat or .safetensors)", Destination: &f.export},
		&cli.BoolFlag{Name: "headless", Usage: "do not start the preview server", Destination: &f.headless},
		&cli.StringFlag{Name: "addr", Usage: "preview server address", Value: defaultPreviewAddr, Destination: &f.addr},
		&cli.Int64Flag{Name: "workers", Usage: "rasterizer worker count (0 = all CPUs)", Destination: &f.workers},
		&cli.Int64Flag{Name: "init-splats", Usage: "random seed splats when the dataset has no point cloud", Value: 100_000, Destination: &f.initSplats},
		&cli.Int64Flag{Name: "eval", Usage: "hold out every n-th camera for evaluation (0 = off)", Destination: &f.evalEvery},
		&cli.Int64Flag{Name: "snapshot-max", Usage: "most splats sent per preview snapshot (0 = all)", Value: 200_000, Destination: &f.snapshot},

		&cli.Int64Flag{Name: "iterations", Aliases: []string{"n"}, Usage: "training iterations", Value: int64(def.Iterations), Destination: &f.iterations},
		&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: def.Seed, Destination: &f.seed},
		&cli.Int64Flag{Name: "sh-degree", Usage: "maximum spherical harmonics degree", Value: int64(def.SHDegree), Destination: &f.shDegree},
		&cli.Int64Flag{Name: "cap-max", Usage: "maximum number of splats", Value: int64(def.Strategy.CapMax), Destination: &f.capMax},
		&cli.Int64Flag{Name: "refine-every", Usage: "iterations between refinements", Value: int64(def.Strategy.RefineEvery), Destination: &f.refineEvery},
		&cli.Int64Flag{Name: "start-iter", Usage: "first iteration that may refine", Value: int64(def.Strategy.StartIter), Destination: &f.startIter},
		&cli.Int64Flag{Name: "stop-iter", Usage: "iteration from which refinement stops", Value: int64(def.Strategy.StopIter), Destination: &f.stopIter},
		&cli.FloatFlag{Name: "noise-lr", Usage: "position noise scale", Value: def.Strategy.NoiseLR, Destination: &f.noiseLR},
		&cli.FloatFlag{Name: "min-opacity", Usage: "opacity below which a splat is dead", Value: def.Strategy.MinOpacity, Destination: &f.minOpacity},
		&cli.StringFlag{Name: "growth", Usage: "growth policy (rate, linear)", Value: def.Strategy.Growth, Destination: &f.growth},
		&cli.StringFlag{Name: "format", Usage: "checkpoint format (splat, safetensors, ply)", Value: def.CheckpointFormat, Destination: &f.format},
	}
}

// apply overlays explicitly set flags on cfg.
func (f *trainFlags) apply(cmd *cli.Command, cfg train.Config) train.Config {
	if cmd.IsSet("iterations") {
		cfg.Iterations = int(f.iterations)
	}
	if cmd.IsSet("seed") {
		cfg.Seed = f.seed
	}
	if cmd.IsSet("sh-degree") {
		cfg.SHDegree = int(f.shDegree)
	}
	if cmd.IsSet("cap-max") {
		cfg.Strategy.CapMax = int(f.capMax)
	}
	if cmd.IsSet("refine-every") {
		cfg.Strategy.RefineEvery = int(f.refineEvery)
	}
	if cmd.IsSet("start-iter") {
		cfg.Strategy.StartIter = int(f.startIter)
	}
	if cmd.IsSet("stop-iter") {
		cfg.Strategy.StopIter = int(f.stopIter)
	}
	if cmd.IsSet("noise-lr") {
		cfg.Strategy.NoiseLR = f.noiseLR
	}
	if cmd.IsSet("min-opacity") {
		cfg.Strategy.MinOpacity = f.minOpacity
	}
	if cmd.IsSet("growth") {
		cfg.Strategy.Growth = f.growth
	}
	if cmd.IsSet("format") {
		cfg.CheckpointFormat = f.format
	}
	if cmd.IsSet("output") || cfg.OutputDir == "" {
		cfg.OutputDir = f.output
	}
	return cfg
}

func trainCmd() *cli.Command {
	f := &trainFlags{}
	return &cli.Command{
		Name:  "train",
		Usage: "Train a splat model from posed images",
		Flags: f.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := runTrain(ctx, cmd, f); err != nil {
				return cli.Exit(fmt.Sprintf("train: %v", err), 1)
			}
			return nil
		},
	}
}

func runTrain(ctx context.Context, cmd *cli.Command, f *trainFlags) error {
	log := logger.FromContext(ctx)
	file := configFrom(ctx)
	cfg := f.apply(cmd, file.Train)
	addr := f.addr
	if file.PreviewAddr != "" && !cmd.IsSet("addr") {
		addr = file.PreviewAddr
	}

	data, err := dataset.LoadDir(f.data, log)
	if err != nil {
		return err
	}
	trainSet, evalSet := dataset.Split(data, int(f.evalEvery))

	runID := uuid.NewString()
	var (
		model *splat.Model
		start int
	)
	if f.resume != "" {
		snap, meta, err := checkpoint.Load(f.resume)
		if err != nil {
			return err
		}
		if snap.SHDegree != cfg.SHDegree {
			log.Warn("using the checkpoint's SH degree", "checkpoint", snap.SHDegree, "config", cfg.SHDegree)
			cfg.SHDegree = snap.SHDegree
		}
		if model, err = splat.FromSnapshot(snap, cfg.Strategy.CapMax); err != nil {
			return err
		}
		start = meta.Iteration
		if meta.RunID != "" {
			runID = meta.RunID
		}
		log.Info("resuming", "checkpoint", f.resume, "iteration", start, "splats", model.Size())
	} else if model, err = seedModel(cfg, data, f, log); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	if err := writeRunConfig(filepath.Join(cfg.OutputDir, "config.yaml"), cfg); err != nil {
		return err
	}

	rast := cpu.New()
	if f.workers > 0 {
		rast.Workers = int(f.workers)
	}
	log = log.With("run_id", runID)
	opts := []train.Option{
		train.WithLogger(log),
		train.WithRunID(runID),
		train.WithStartIteration(start),
	}
	if evalSet.Len() > 0 {
		opts = append(opts, train.WithEvalSet(evalSet))
	}
	trainer, err := train.New(cfg, trainSet, rast, model, opts...)
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var res train.Result
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The preview server shuts down once training returns.
		defer cancel()
		var err error
		res, err = trainer.Train(gctx)
		return err
	})
	if !f.headless {
		pcfg := preview.Config{
			Model:     model,
			Status:    trainer.Status,
			Stop:      cancel,
			Registry:  trainer.Registry(),
			MaxSplats: int(f.snapshot),
			Logger:    log,
		}
		if file.SnapshotRate != nil {
			pcfg.SnapshotRate = *file.SnapshotRate
		}
		srv := preview.New(pcfg)
		g.Go(func() error {
			// A preview failure must not abort training.
			if err := srv.Run(gctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) && gctx.Err() == nil {
				log.Warn("preview server stopped", "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if res.Cancelled {
		log.Info("training cancelled", "iteration", res.Iterations, "checkpoint", res.Checkpoint)
	} else {
		log.Info("training finished", "iterations", res.Iterations, "splats", res.Splats,
			"loss", res.Loss, "refines", res.Refines, "checkpoint", res.Checkpoint)
	}
	if f.export != "" {
		meta := checkpoint.Metadata{Version: version.String(), RunID: runID, Iteration: res.Iterations}
		if err := checkpoint.Save(f.export, model.Snapshot(), meta); err != nil {
			return err
		}
		log.Info("model exported", "path", f.export)
	}
	return nil
}

// seedModel builds the initial population from a point cloud when one is
// available, otherwise from random splats spread over the scene bounds.
func seedModel(cfg train.Config, data *dataset.Dir, f *trainFlags, log logger.Logger) (*splat.Model, error) {
	opts := splat.InitOptions{
		SHDegree:  cfg.SHDegree,
		MaxSplats: cfg.Strategy.CapMax,
		Rand:      rand.New(rand.NewSource(cfg.Seed)),
	}
	path := f.points
	if path == "" {
		path = data.PointCloudPath()
	}
	if path == "" {
		log.Info("no point cloud, seeding random splats", "count", f.initSplats)
		return splat.RandomInit(int(f.initSplats), data.SceneCenter(), data.SceneRadius(), opts)
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	pc, err := ply.ReadPointCloud(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	model, err := splat.FromPointCloud(pc, opts)
	if err != nil {
		return nil, err
	}
	log.Info("seeded from point cloud", "path", path, "points", pc.Len(), "splats", model.Size())
	return model, nil
}

// writeRunConfig records the effective configuration next to the checkpoints.
func writeRunConfig(path string, cfg train.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
