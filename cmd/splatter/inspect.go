package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splatter/internal/checkpoint"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
	"github.com/samcharles93/splatter/pkg/splatfile"
)

type rangeSummary struct {
	Min  float32 `json:"min"`
	Mean float32 `json:"mean"`
	Max  float32 `json:"max"`
}

type sectionSummary struct {
	Type   string `json:"type"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

type tensorSummary struct {
	Name  string   `json:"name"`
	DType string   `json:"dtype"`
	Shape []uint64 `json:"shape"`
	Bytes uint64   `json:"bytes"`
}

type checkpointSummary struct {
	Path           string           `json:"path"`
	Format         string           `json:"format"`
	Splats         int              `json:"splats"`
	SHDegree       int              `json:"sh_degree"`
	ActiveSHDegree int              `json:"active_sh_degree"`
	Version        string           `json:"version,omitempty"`
	RunID          string           `json:"run_id,omitempty"`
	Iteration      int              `json:"iteration"`
	Opacity        rangeSummary     `json:"opacity"`
	BoundsMin      [3]float32       `json:"bounds_min"`
	BoundsMax      [3]float32       `json:"bounds_max"`
	Sections       []sectionSummary `json:"sections,omitempty"`
	Tensors        []tensorSummary  `json:"tensors,omitempty"`
}

func inspectCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarise a checkpoint (.splat, .safetensors or .ply)",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the summary as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("inspect: checkpoint path required", 1)
			}
			sum, err := summarize(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("inspect: %v", err), 1)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			printSummary(os.Stdout, sum)
			return nil
		},
	}
}

func summarize(path string) (checkpointSummary, error) {
	format, err := checkpoint.FormatOf(path)
	if err != nil {
		return checkpointSummary{}, err
	}
	snap, meta, err := checkpoint.Load(path)
	if err != nil {
		return checkpointSummary{}, err
	}
	sum := checkpointSummary{
		Path:           path,
		Format:         format.String(),
		Splats:         snap.Len(),
		SHDegree:       snap.SHDegree,
		ActiveSHDegree: snap.ActiveSHDegree,
		Version:        meta.Version,
		RunID:          meta.RunID,
		Iteration:      meta.Iteration,
	}
	summarizeAttributes(&sum, snap)
	if format == checkpoint.FormatSplat {
		if err := summarizeContainer(&sum, path); err != nil {
			return checkpointSummary{}, err
		}
	}
	return sum, nil
}

func summarizeAttributes(sum *checkpointSummary, snap *splat.Snapshot) {
	n := snap.Len()
	if n == 0 {
		return
	}
	op := rangeSummary{Min: math.MaxFloat32, Max: -math.MaxFloat32}
	var total float64
	for _, raw := range snap.Opacities.Data {
		v := tensor.Sigmoid(raw)
		op.Min = min(op.Min, v)
		op.Max = max(op.Max, v)
		total += float64(v)
	}
	op.Mean = float32(total / float64(n))
	sum.Opacity = op

	lo := [3]float32{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	hi := [3]float32{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for i := range n {
		p := snap.Means.Row(i)
		for c := range 3 {
			lo[c] = min(lo[c], p[c])
			hi[c] = max(hi[c], p[c])
		}
	}
	sum.BoundsMin, sum.BoundsMax = lo, hi
}

func summarizeContainer(sum *checkpointSummary, path string) error {
	f, err := splatfile.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, s := range f.Sections {
		sum.Sections = append(sum.Sections, sectionSummary{
			Type:   splatfile.SectionType(s.Type).String(),
			Offset: s.Offset,
			Size:   s.Size,
		})
	}
	idx, err := f.Tensors()
	if err != nil {
		return err
	}
	for i := range idx.Len() {
		e := idx.Entry(i)
		sum.Tensors = append(sum.Tensors, tensorSummary{Name: e.Name, DType: e.DType.String(), Shape: e.Shape, Bytes: e.DataSize})
	}
	return nil
}

func printSummary(w io.Writer, s checkpointSummary) {
	fmt.Fprintf(w, "path:        %s\n", s.Path)
	fmt.Fprintf(w, "format:      %s\n", s.Format)
	fmt.Fprintf(w, "splats:      %d\n", s.Splats)
	fmt.Fprintf(w, "sh degree:   %d (active %d)\n", s.SHDegree, s.ActiveSHDegree)
	if s.RunID != "" {
		fmt.Fprintf(w, "run:         %s\n", s.RunID)
	}
	if s.Version != "" {
		fmt.Fprintf(w, "version:     %s\n", s.Version)
	}
	fmt.Fprintf(w, "iteration:   %d\n", s.Iteration)
	if s.Splats > 0 {
		fmt.Fprintf(w, "opacity:     min %.4f mean %.4f max %.4f\n", s.Opacity.Min, s.Opacity.Mean, s.Opacity.Max)
		fmt.Fprintf(w, "bounds:      %v .. %v\n", s.BoundsMin, s.BoundsMax)
	}
	if len(s.Sections) > 0 {
		fmt.Fprintln(w, "sections:")
		for _, sec := range s.Sections {
			fmt.Fprintf(w, "  %-13s offset=%-10d size=%d\n", sec.Type, sec.Offset, sec.Size)
		}
	}
	if len(s.Tensors) > 0 {
		fmt.Fprintln(w, "tensors:")
		for _, t := range s.Tensors {
			fmt.Fprintf(w, "  %-10s %-4s %v (%d bytes)\n", t.Name, t.DType, t.Shape, t.Bytes)
		}
	}
}
