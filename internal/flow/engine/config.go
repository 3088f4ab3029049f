package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunConfig is constructed once per FlowchartRun and passed explicitly.
// Zero values mean "use the default"; ApplyDefaults fills them in before
// Validate runs.
type RunConfig struct {
	// MaxParallelNodes bounds concurrently executing NodeRuns within one run.
	MaxParallelNodes int `yaml:"max_parallel_nodes,omitempty" json:"max_parallel_nodes,omitempty"`

	DispatchTimeoutSeconds      int `yaml:"dispatch_timeout_seconds,omitempty" json:"dispatch_timeout_seconds,omitempty"`
	ExecutionTimeoutSeconds     int `yaml:"execution_timeout_seconds,omitempty" json:"execution_timeout_seconds,omitempty"`
	LogCollectionTimeoutSeconds int `yaml:"log_collection_timeout_seconds,omitempty" json:"log_collection_timeout_seconds,omitempty"`
	CancelGraceTimeoutSeconds   int `yaml:"cancel_grace_timeout_seconds,omitempty" json:"cancel_grace_timeout_seconds,omitempty"`

	// CancelForceKillEnabled is a pointer to distinguish explicit false
	// from unset; the default is true.
	CancelForceKillEnabled *bool `yaml:"cancel_force_kill_enabled,omitempty" json:"cancel_force_kill_enabled,omitempty"`

	Backoff BackoffFileConfig `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`

	// StoreDSN selects the SQLite database file; empty means in-memory.
	StoreDSN string `yaml:"store_dsn,omitempty" json:"store_dsn,omitempty"`

	// EventBufferSize is the per-subscriber channel depth on the publisher.
	EventBufferSize int `yaml:"event_buffer_size,omitempty" json:"event_buffer_size,omitempty"`
}

// BackoffFileConfig is the retry_backoff block of a run config file.
type BackoffFileConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `yaml:"backoff_factor,omitempty" json:"backoff_factor,omitempty"`
	MaxDelayMS     int     `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
	Jitter         bool    `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

func DefaultRunConfig() RunConfig {
	cfg := RunConfig{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *RunConfig) ApplyDefaults() {
	if c.MaxParallelNodes == 0 {
		c.MaxParallelNodes = 1
	}
	if c.DispatchTimeoutSeconds == 0 {
		c.DispatchTimeoutSeconds = 30
	}
	if c.ExecutionTimeoutSeconds == 0 {
		c.ExecutionTimeoutSeconds = 900
	}
	if c.LogCollectionTimeoutSeconds == 0 {
		c.LogCollectionTimeoutSeconds = 30
	}
	if c.CancelGraceTimeoutSeconds == 0 {
		c.CancelGraceTimeoutSeconds = 20
	}
	if c.CancelForceKillEnabled == nil {
		v := true
		c.CancelForceKillEnabled = &v
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 64
	}
}

// Validate fails fast on malformed values; a bad run config must abort
// before any run is created.
func (c *RunConfig) Validate() error {
	var errs []string
	if c.MaxParallelNodes < 1 {
		errs = append(errs, "max_parallel_nodes must be >= 1")
	}
	if c.DispatchTimeoutSeconds < 1 {
		errs = append(errs, "dispatch_timeout_seconds must be >= 1")
	}
	if c.ExecutionTimeoutSeconds < 1 {
		errs = append(errs, "execution_timeout_seconds must be >= 1")
	}
	if c.LogCollectionTimeoutSeconds < 1 {
		errs = append(errs, "log_collection_timeout_seconds must be >= 1")
	}
	if c.CancelGraceTimeoutSeconds < 0 {
		errs = append(errs, "cancel_grace_timeout_seconds must be >= 0")
	}
	if c.Backoff.InitialDelayMS < 0 {
		errs = append(errs, "retry_backoff.initial_delay_ms must be >= 0")
	}
	if c.Backoff.BackoffFactor < 0 {
		errs = append(errs, "retry_backoff.backoff_factor must be >= 0")
	}
	if c.EventBufferSize < 1 {
		errs = append(errs, "event_buffer_size must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("run config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Timeouts renders the task-runner timeout contract for a dispatch.
func (c RunConfig) Timeouts() TaskTimeouts {
	forceKill := true
	if c.CancelForceKillEnabled != nil {
		forceKill = *c.CancelForceKillEnabled
	}
	return TaskTimeouts{
		Dispatch:         time.Duration(c.DispatchTimeoutSeconds) * time.Second,
		Execution:        time.Duration(c.ExecutionTimeoutSeconds) * time.Second,
		LogCollection:    time.Duration(c.LogCollectionTimeoutSeconds) * time.Second,
		CancelGrace:      time.Duration(c.CancelGraceTimeoutSeconds) * time.Second,
		ForceKillEnabled: forceKill,
	}
}

// LoadRunConfig reads a run config from a YAML or JSON file, applies
// defaults, and validates.
func LoadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseRunConfigJSON(data)
	default:
		return ParseRunConfigYAML(data)
	}
}

// ParseRunConfigYAML decodes strictly: unknown keys and trailing documents
// are errors.
func ParseRunConfigYAML(data []byte) (RunConfig, error) {
	var cfg RunConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse run config: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return RunConfig{}, fmt.Errorf("parse run config: unexpected trailing document")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func ParseRunConfigJSON(data []byte) (RunConfig, error) {
	var cfg RunConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse run config: %w", err)
	}
	if dec.More() {
		return RunConfig{}, fmt.Errorf("parse run config: unexpected trailing content")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}
