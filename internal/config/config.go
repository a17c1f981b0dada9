// Package config loads the AutoSage server configuration from YAML with
// environment variable expansion and code-level defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autosage/autosage/pkg/models"
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Limits        LimitsConfig        `yaml:"limits"`
	Retention     RetentionConfig     `yaml:"retention"`
	Solvers       SolversConfig       `yaml:"solvers"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// LogLevel: trace|debug|info|warn|error.
	LogLevel string `yaml:"log_level"`

	// LogFormat: json|text.
	LogFormat string `yaml:"log_format"`

	// BodyLimitBytes caps request bodies on the execute surfaces.
	BodyLimitBytes int64 `yaml:"body_limit_bytes"`
}

// RuntimeConfig controls workspaces and the execution engine.
type RuntimeConfig struct {
	// RunRoot is the directory under which job workspaces are created.
	RunRoot string `yaml:"run_root"`

	// SessionRoot is the directory under which session workspaces are created.
	SessionRoot string `yaml:"session_root"`

	// Concurrency bounds simultaneous tool executions. 0 means
	// max(1, number of CPUs).
	Concurrency int `yaml:"concurrency"`

	// LoadFromDisk re-hydrates the job store from RunRoot at startup.
	LoadFromDisk bool `yaml:"load_from_disk"`
}

// LimitsConfig overrides the default per-invocation execution limits.
type LimitsConfig struct {
	TimeoutMS        int   `yaml:"timeout_ms"`
	MaxStdoutBytes   int   `yaml:"max_stdout_bytes"`
	MaxStderrBytes   int   `yaml:"max_stderr_bytes"`
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`
	MaxArtifacts     int   `yaml:"max_artifacts"`
	MaxSummaryChars  int   `yaml:"max_summary_characters"`
}

// RetentionConfig controls the job retention sweeper.
type RetentionConfig struct {
	// Schedule is a cron expression; empty disables the sweeper.
	Schedule string `yaml:"schedule"`

	// MaxAge is how long terminal jobs are kept (e.g. "168h").
	MaxAge time.Duration `yaml:"max_age"`
}

// SolversConfig selects external solver binaries. Empty paths run the
// built-in deterministic stand-ins.
type SolversConfig struct {
	NetgenBinary  string `yaml:"netgen_binary"`
	NgspiceBinary string `yaml:"ngspice_binary"`

	// DisableHeadless makes the render tool behave as if no offscreen GL
	// context were available.
	DisableHeadless bool `yaml:"disable_headless"`
}

// ObservabilityConfig controls tracing export.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP gRPC collector address; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS on the exporter connection.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, expands ${ENV} references and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8844
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "json"
	}
	if c.Server.BodyLimitBytes == 0 {
		c.Server.BodyLimitBytes = 8 * 1024 * 1024
	}
	if c.Runtime.RunRoot == "" {
		c.Runtime.RunRoot = "runs"
	}
	if c.Runtime.SessionRoot == "" {
		c.Runtime.SessionRoot = "sessions"
	}
	if c.Runtime.Concurrency <= 0 {
		c.Runtime.Concurrency = max(1, runtime.NumCPU())
	}
	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = 7 * 24 * time.Hour
	}
}

// EngineLimits converts the configured overrides into execution limits
// merged over the built-in defaults.
func (c *Config) EngineLimits() models.Limits {
	return models.DefaultLimits().Merge(models.Limits{
		TimeoutMS:        c.Limits.TimeoutMS,
		MaxStdoutBytes:   c.Limits.MaxStdoutBytes,
		MaxStderrBytes:   c.Limits.MaxStderrBytes,
		MaxArtifactBytes: c.Limits.MaxArtifactBytes,
		MaxArtifacts:     c.Limits.MaxArtifacts,
		MaxSummaryChars:  c.Limits.MaxSummaryChars,
	})
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
