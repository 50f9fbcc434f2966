package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splatter/internal/train"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
log_level: debug
preview_addr: ":9000"
snapshot_rate: 5
train:
  iterations: 1234
  checkpoint_format: safetensors
  strategy:
    cap_max: 500
    growth: linear
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := DefaultConfig()
	want.LogLevel = "debug"
	want.PreviewAddr = ":9000"
	rate := 5.0
	want.SnapshotRate = &rate
	want.Train.Iterations = 1234
	want.Train.CheckpointFormat = "safetensors"
	want.Train.Strategy.CapMax = 500
	want.Train.Strategy.Growth = "linear"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Train.Validate(); err != nil {
		t.Fatalf("merged config invalid: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("missing default file must not fail: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing explicit file must fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, "train: [1, 2\n")
	if _, err := LoadConfig(bad); err == nil {
		t.Fatal("malformed yaml must fail")
	}
}

func TestTrainFlagsOverrideOnlyWhenSet(t *testing.T) {
	base := train.DefaultConfig()
	base.Seed = 7
	base.Strategy.StopIter = 900

	f := &trainFlags{}
	var got train.Config
	cmd := &cli.Command{
		Name:  "train",
		Flags: f.flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			got = f.apply(c, base)
			return nil
		},
	}
	args := []string{"train", "--data", "scene", "--iterations", "50", "--cap-max", "2000", "--min-opacity", "0.01"}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := base
	want.Iterations = 50
	want.Strategy.CapMax = 2000
	want.Strategy.MinOpacity = 0.01
	want.OutputDir = "output"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}
