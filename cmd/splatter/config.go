package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/splatter/internal/train"
)

// Config represents the splatter configuration file
// (~/.config/splatter/config.yaml). The train section is decoded over the
// built-in defaults, so it only needs the keys it changes.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Preview server
	PreviewAddr  string   `yaml:"preview_addr"`
	SnapshotRate *float64 `yaml:"snapshot_rate"`

	Train train.Config `yaml:"train"`
}

// DefaultConfig is the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{Train: train.DefaultConfig()}
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "splatter", "config.yaml")
}

// LoadConfig reads the config file at path, or at the default location when
// path is empty. A missing default file yields DefaultConfig; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return cfg, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// configFrom returns the config installed by the root command, or the
// defaults when a subcommand runs without it.
func configFrom(ctx context.Context) Config {
	if cfg, ok := ctx.Value(configKey{}).(Config); ok {
		return cfg
	}
	return DefaultConfig()
}
