package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] after decoding.
const (
	defaultListenAddr = ":8080"
	defaultPoolSize   = 1
	defaultAgentsDir  = "agents"
)

// Load reads the configuration file at path and returns a validated [Config].
// The decoder is chosen by file extension: .json uses encoding/json, .yaml
// and .yml use gopkg.in/yaml.v3 with strict field checking.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = LoadYAML(f)
	default:
		cfg, err = LoadJSON(f)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadJSON decodes a JSON config from r, applies defaults, and validates.
func LoadJSON(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadYAML decodes a YAML config from r, applies defaults, and validates.
// Useful in tests where configs are constructed from string literals.
func LoadYAML(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued fields that have documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}
	if cfg.Runtime.PoolSize == 0 {
		cfg.Runtime.PoolSize = defaultPoolSize
	}
	if cfg.Engine.Backend == "" {
		cfg.Engine.Backend = BackendLlamaSrv
	}
	if cfg.Agents.Dir == "" {
		cfg.Agents.Dir = defaultAgentsDir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	if cfg.Runtime.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("runtime.pool_size %d is invalid; must be >= 1", cfg.Runtime.PoolSize))
	}
	if cfg.Runtime.PerRequestTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("runtime.per_request_timeout_s %d is invalid; must be >= 0", cfg.Runtime.PerRequestTimeoutS))
	}

	if !cfg.Engine.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("engine.backend %q is invalid; valid values: llamasrv, anyllm", cfg.Engine.Backend))
	}
	if cfg.Engine.Backend == BackendAnyLLM && cfg.Engine.Provider == "" {
		errs = append(errs, errors.New("engine.provider is required when engine.backend is anyllm"))
	}

	active := 0
	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.Active {
			active++
		}
		if strings.TrimSpace(m.GrammarPath) != "" {
			errs = append(errs, fmt.Errorf("%s: grammar support is disabled; remove grammar_path", prefix))
		}
	}
	if active != 1 {
		errs = append(errs, fmt.Errorf("models must contain exactly one entry with active: true (found %d)", active))
	}

	if tw := cfg.Memory.Strategies.ThreadWindow; tw != nil && tw.MaxContextTokens < 0 {
		errs = append(errs, fmt.Errorf("memory.strategies.thread_window.max_context_tokens %d is invalid; must be >= 0", tw.MaxContextTokens))
	}

	return errors.Join(errs...)
}

// ActiveModel returns the single model entry marked active. Call only on a
// validated config; panics if no entry is active.
func (c *Config) ActiveModel() ModelConfig {
	for _, m := range c.Models {
		if m.Active {
			return m
		}
	}
	panic("config: no active model (config not validated)")
}
