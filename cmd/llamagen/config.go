package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the llamagen configuration file (~/.config/llamagen/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Model     string `yaml:"model"`
	Backend   string `yaml:"backend"`
	LibPath   string `yaml:"lib_path"`

	// Engine
	ContextSize *int64 `yaml:"ctx_size"`
	GPULayers   *int64 `yaml:"gpu_layers"`
	Seed        *int64 `yaml:"seed"`
	Threads     *int64 `yaml:"threads"`

	// Sampling defaults
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	TailFreeZ     *float64 `yaml:"tfs_z"`
	TypicalP      *float64 `yaml:"typical_p"`
	Temperature   *float64 `yaml:"temperature"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	MaxTokens     *int64   `yaml:"max_tokens"`
	Mode          string   `yaml:"mode"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	Parallel      *int64         `yaml:"parallel"`
	MaxLoaded     *int64         `yaml:"max_loaded"`
	ModelTTL      *time.Duration `yaml:"model_ttl"`
	RateLimit     *float64       `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "llamagen", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func setString(c *cli.Command, name, v string, dst *string) {
	if v != "" && !c.IsSet(name) {
		*dst = v
	}
}

func setValue[T any](c *cli.Command, name string, v *T, dst *T) {
	if v != nil && !c.IsSet(name) {
		*dst = *v
	}
}

// applyConfig applies config file defaults to the flag variables when the
// corresponding flag was not explicitly set.
func applyConfig(c *cli.Command, cfg Config) {
	setString(c, "models-path", cfg.ModelsDir, &modelsPath)
	setString(c, "model", cfg.Model, &modelPath)
	setString(c, "backend", cfg.Backend, &backend)
	setString(c, "lib-path", cfg.LibPath, &libPath)

	setValue(c, "ctx-size", cfg.ContextSize, &ctxSize)
	setValue(c, "gpu-layers", cfg.GPULayers, &gpuLayers)
	setValue(c, "seed", cfg.Seed, &seed)
	setValue(c, "threads", cfg.Threads, &threads)

	setValue(c, "top-k", cfg.TopK, &topK)
	setValue(c, "top-p", cfg.TopP, &topP)
	setValue(c, "tfs-z", cfg.TailFreeZ, &tailFreeZ)
	setValue(c, "typical-p", cfg.TypicalP, &typicalP)
	setValue(c, "temperature", cfg.Temperature, &temperature)
	setValue(c, "repeat-penalty", cfg.RepeatPenalty, &repeatPenalty)
	setValue(c, "max-tokens", cfg.MaxTokens, &maxTokens)
	setString(c, "mode", cfg.Mode, &mode)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, s *serveSettings) {
	setString(c, "addr", cfg.ServerAddress, &s.addr)
	setValue(c, "parallel", cfg.Parallel, &s.parallel)
	setValue(c, "max-loaded", cfg.MaxLoaded, &s.maxLoaded)
	setValue(c, "model-ttl", cfg.ModelTTL, &s.ttl)
	setValue(c, "rate-limit", cfg.RateLimit, &s.rateLimit)
}
