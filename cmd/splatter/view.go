package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splatter/internal/checkpoint"
	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/preview"
	"github.com/samcharles93/splatter/internal/splat"
)

func viewCmd() *cli.Command {
	var (
		modelPath string
		addr      string
		maxSplats int64
	)
	return &cli.Command{
		Name:  "view",
		Usage: "Serve a trained model over the preview API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "checkpoint to view", Required: true, Destination: &modelPath},
			&cli.StringFlag{Name: "addr", Usage: "listen address", Value: defaultPreviewAddr, Destination: &addr},
			&cli.Int64Flag{Name: "snapshot-max", Usage: "most splats sent per snapshot (0 = all)", Destination: &maxSplats},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			file := configFrom(ctx)
			if file.PreviewAddr != "" && !cmd.IsSet("addr") {
				addr = file.PreviewAddr
			}

			snap, meta, err := checkpoint.Load(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("view: %v", err), 1)
			}
			model, err := splat.FromSnapshot(snap, 0)
			if err != nil {
				return cli.Exit(fmt.Sprintf("view: %v", err), 1)
			}
			log.Info("model loaded", "path", modelPath, "splats", model.Size(), "iteration", meta.Iteration)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			pcfg := preview.Config{Model: model, MaxSplats: int(maxSplats), Logger: log}
			if file.SnapshotRate != nil {
				pcfg.SnapshotRate = *file.SnapshotRate
			}
			err = preview.New(pcfg).Run(ctx, addr)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				return cli.Exit(fmt.Sprintf("view: %v", err), 1)
			}
			return nil
		},
	}
}
