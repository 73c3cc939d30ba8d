// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the compare service configuration: one YAML
// document overlaid on DefaultConfig, then environment overrides, then
// validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/capability"
	"github.com/AleutianAI/AleutianCompare/services/compare/engines"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
	"github.com/AleutianAI/AleutianCompare/services/compare/monitor"
	"github.com/AleutianAI/AleutianCompare/services/compare/pipeline"
	"github.com/AleutianAI/AleutianCompare/services/compare/server"
	cbadger "github.com/AleutianAI/AleutianCompare/services/compare/storage/badger"
	"github.com/AleutianAI/AleutianCompare/services/compare/telemetry"
)

// Environment variables read by Load.
const (
	EnvConfigPath = "COMPARE_CONFIG"
	EnvFlagsPath  = "COMPARE_FLAGS_PATH"
	EnvLogLevel   = "COMPARE_LOG_LEVEL"
	EnvOpenAIKey  = "OPENAI_API_KEY"
)

// ErrInvalidConfig wraps every load and validation failure.
var ErrInvalidConfig = errors.New("invalid compare config")

// Config is the whole service configuration.
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Flags      FlagsConfig       `yaml:"flags"`
	Cache      CacheConfig       `yaml:"cache"`
	Capability capability.Config `yaml:"capability"`
	Engines    EnginesConfig     `yaml:"engines"`
	Pipeline   pipeline.Config   `yaml:"pipeline"`
	Monitor    monitor.Config    `yaml:"monitor"`
	Server     server.Config     `yaml:"server"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// FlagsConfig locates the flag document and the activation plan.
type FlagsConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the registry when the file changes on disk.
	Watch bool `yaml:"watch"`

	// Plan maps rollout stages to the flags they enable. Empty means
	// flags.DefaultPlan.
	Plan flags.Plan `yaml:"plan"`
}

// CacheConfig holds the shared backend and the three cache instances.
type CacheConfig struct {
	Store     cache.StoreConfig `yaml:"store"`
	Embedding cache.Config      `yaml:"embedding"`
	Pattern   cache.Config      `yaml:"pattern"`
	Snapshot  cache.Config      `yaml:"snapshot"`
}

// EnginesConfig holds per-engine settings.
type EnginesConfig struct {
	SAE  engines.SAEConfig  `yaml:"sae"`
	ERCE engines.ERCEConfig `yaml:"erce"`
	BIRL engines.BIRLConfig `yaml:"birl"`
	FAR  engines.FARConfig  `yaml:"far"`
}

// DefaultConfig returns a self-contained configuration: in-memory cache,
// no capability providers, flag file under ~/.aleutian/compare.
func DefaultConfig() Config {
	badgerCfg := cbadger.DefaultConfig()
	badgerCfg.Path = "~/.aleutian/compare/cache"
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Flags: FlagsConfig{
			Path:  "~/.aleutian/compare/flags.json",
			Watch: true,
		},
		Cache: CacheConfig{
			Store:     cache.StoreConfig{Backend: cache.BackendMemory, Badger: badgerCfg},
			Embedding: cache.EmbeddingConfig(),
			Pattern:   cache.PatternConfig(),
			Snapshot:  cache.SnapshotConfig(),
		},
		Capability: capability.Config{
			Embedding:   capability.ProviderNone,
			Generation:  capability.ProviderNone,
			HTTPTimeout: capability.DefaultHTTPTimeout,
			OpenAI: capability.OpenAIConfig{
				ChatModel:      capability.DefaultOpenAIChatModel,
				EmbeddingModel: capability.DefaultOpenAIEmbeddingModel,
			},
		},
		Engines: EnginesConfig{
			SAE:  engines.DefaultSAEConfig(),
			BIRL: engines.DefaultBIRLConfig(),
		},
		Pipeline: pipeline.DefaultConfig(),
		Monitor: func() monitor.Config {
			m := monitor.DefaultConfig()
			m.LogPath = "~/.aleutian/compare/runs.jsonl"
			return m
		}(),
		Server:    server.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the configuration.
//
// Description:
//
//	path, or $COMPARE_CONFIG when path is empty, names a YAML file laid
//	over DefaultConfig. Unknown keys are errors. With neither set the
//	defaults are used. Environment overrides are applied last, then "~"
//	is expanded in every path and the result is validated.
//
// Outputs:
//
//	Config - Ready to use.
//	error - Wraps ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	}
	cfg.applyEnv()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over DefaultConfig without consulting the
// environment. Used by tests and by callers that embed configuration.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvFlagsPath); v != "" {
		c.Flags.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		c.Capability.OpenAI.APIKey = v
	}
}

func (c *Config) expandPaths() {
	c.Flags.Path = expandHome(c.Flags.Path)
	c.Logging.Dir = expandHome(c.Logging.Dir)
	c.Cache.Store.Badger.Path = expandHome(c.Cache.Store.Badger.Path)
	c.Cache.Store.SQLitePath = expandHome(c.Cache.Store.SQLitePath)
	c.Monitor.LogPath = expandHome(c.Monitor.LogPath)
	c.Engines.ERCE.PatternsPath = expandHome(c.Engines.ERCE.PatternsPath)
	c.Engines.FAR.RulesPath = expandHome(c.Engines.FAR.RulesPath)
}

// Validate checks struct tags and the cross-field rules they cannot
// express.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(err))
	}
	if c.Cache.Store.Backend == cache.BackendBadger && !c.Cache.Store.Badger.InMemory && c.Cache.Store.Badger.Path == "" {
		return fmt.Errorf("%w: cache.store.badger.path is required for the badger backend", ErrInvalidConfig)
	}
	names := map[string]bool{}
	for _, cc := range []cache.Config{c.Cache.Embedding, c.Cache.Pattern, c.Cache.Snapshot} {
		if names[cc.Name] {
			return fmt.Errorf("%w: cache name %q used twice", ErrInvalidConfig, cc.Name)
		}
		names[cc.Name] = true
	}
	for stage, d := range c.Pipeline.StageTimeouts {
		if !stage.Valid() {
			return fmt.Errorf("%w: pipeline.stage_timeouts has unknown stage %q", ErrInvalidConfig, stage)
		}
		if d <= 0 {
			return fmt.Errorf("%w: pipeline.stage_timeouts.%s must be positive", ErrInvalidConfig, stage)
		}
	}
	for stage, names := range c.Flags.Plan {
		if stage < 1 {
			return fmt.Errorf("%w: flags.plan stage %d must be >= 1", ErrInvalidConfig, stage)
		}
		if len(names) == 0 {
			return fmt.Errorf("%w: flags.plan stage %d lists no flags", ErrInvalidConfig, stage)
		}
	}
	return nil
}

// ActivationPlan returns the configured plan, or flags.DefaultPlan.
func (c Config) ActivationPlan() flags.Plan {
	if len(c.Flags.Plan) == 0 {
		return flags.DefaultPlan()
	}
	return c.Flags.Plan
}

// LoggerConfig converts the logging section for service.
func (c Config) LoggerConfig(service string) logging.Config {
	return logging.Config{
		Level:   logging.ParseLevel(c.Logging.Level),
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
