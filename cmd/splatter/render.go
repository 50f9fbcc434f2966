package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/splatter/internal/checkpoint"
	"github.com/samcharles93/splatter/internal/dataset"
	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/render"
	"github.com/samcharles93/splatter/internal/render/cpu"
	"github.com/samcharles93/splatter/internal/splat"
)

func renderCmd() *cli.Command {
	var (
		modelPath   string
		camerasPath string
		outputDir   string
		parallel    int64
		shDegree    int64
		scale       float64
		white       bool
	)
	return &cli.Command{
		Name:  "render",
		Usage: "Render a trained model from a cameras.json file to PNG images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "checkpoint to render", Required: true, Destination: &modelPath},
			&cli.StringFlag{Name: "cameras", Usage: "cameras.json with the views to render", Required: true, Destination: &camerasPath},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "directory for the PNG files", Value: "renders", Destination: &outputDir},
			&cli.Int64Flag{Name: "parallel", Usage: "cameras rendered concurrently", Value: 2, Destination: &parallel},
			&cli.Int64Flag{Name: "sh-degree", Usage: "SH degree to evaluate (-1 = model's active degree)", Value: -1, Destination: &shDegree},
			&cli.FloatFlag{Name: "scale", Usage: "splat scale modifier", Value: 1, Destination: &scale},
			&cli.BoolFlag{Name: "white", Usage: "render on a white background", Destination: &white},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			snap, _, err := checkpoint.Load(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("render: %v", err), 1)
			}
			model, err := splat.FromSnapshot(snap, 0)
			if err != nil {
				return cli.Exit(fmt.Sprintf("render: %v", err), 1)
			}
			data, err := os.ReadFile(camerasPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("render: %v", err), 1)
			}
			cams, _, err := dataset.ParseCameras(data, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("render: %v", err), 1)
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("render: %v", err), 1)
			}

			opts := render.DefaultOptions()
			opts.SHDegree = int(shDegree)
			opts.ScalingModifier = float32(scale)
			var bg [3]float32
			if white {
				bg = [3]float32{1, 1, 1}
			}
			paths, err := renderViews(ctx, cpu.New(), model, cams, bg, opts, outputDir, int(parallel))
			if err != nil {
				return cli.Exit(fmt.Sprintf("render: %v", err), 1)
			}
			log.Info("rendered views", "count", len(paths), "output", outputDir)
			return nil
		},
	}
}

// renderViews renders every camera and writes <name>.png into dir, running at
// most parallel forward passes at once. It returns the written paths in
// camera order.
func renderViews(ctx context.Context, rast render.Rasterizer, model *splat.Model, cams []render.Camera,
	bg [3]float32, opts render.Options, dir string, parallel int,
) ([]string, error) {
	paths := make([]string, len(cams))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, parallel))
	for i := range cams {
		cam := &cams[i]
		paths[i] = filepath.Join(dir, viewFileName(cam))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := rast.Forward(cam, model, bg, opts)
			if err != nil {
				return fmt.Errorf("camera %s: %w", cam.Name, err)
			}
			return dataset.WritePNG(paths[i], out.Image, out.Width, out.Height)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func viewFileName(cam *render.Camera) string {
	name := filepath.Base(strings.TrimSpace(cam.Name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = fmt.Sprintf("view_%04d", cam.ID)
	}
	if strings.EqualFold(filepath.Ext(name), ".png") {
		return name
	}
	return name + ".png"
}
