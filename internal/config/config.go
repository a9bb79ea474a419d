// Package config loads the static Warden configuration: the agent registry
// (agent id, shared secret, risk class) and server tuning knobs. The
// configuration is read once at process start and never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Risk is the static classification of an agent. It decides whether a
// submitted change auto-executes or waits for human approval.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Valid reports whether r is one of the three known risk classes.
func (r Risk) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Agent is a registered principal. Secrets are looked up by ID and never
// transmitted.
type Agent struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
	Risk   Risk   `yaml:"risk"`
}

// Settings are the server tuning knobs. Zero values fall back to the
// defaults applied by Load.
type Settings struct {
	Port               string `yaml:"port"`
	DataDir            string `yaml:"data_dir"`
	AdminSecret        string `yaml:"admin_secret"`
	TimestampWindowSec int    `yaml:"timestamp_window_sec"`
	ReplayCache        bool   `yaml:"replay_cache"`
	Workers            int    `yaml:"workers"`
	HandlerTimeoutSec  int    `yaml:"handler_timeout_sec"`
	MaxAttempts        int    `yaml:"max_attempts"`
	SweepIntervalSec   int    `yaml:"sweep_interval_sec"`
	SweepBatchSize     int    `yaml:"sweep_batch_size"`
	RateLimit          int    `yaml:"rate_limit"`
	RateWindowSec      int    `yaml:"rate_window_sec"`

	// Outbound executor endpoints. Empty URLs disable the adapter.
	ContentWebhookURL    string `yaml:"content_webhook_url"`
	EmailWebhookURL      string `yaml:"email_webhook_url"`
	NewsletterWebhookURL string `yaml:"newsletter_webhook_url"`
}

// Config is the full parsed configuration file.
type Config struct {
	Agents []Agent  `yaml:"agents"`
	Server Settings `yaml:"server"`
}

// Defaults.
const (
	DefaultPort              = "8080"
	DefaultDataDir           = "data"
	DefaultTimestampWindow   = 300
	DefaultWorkers           = 4
	DefaultHandlerTimeoutSec = 15
	DefaultMaxAttempts       = 3
	DefaultSweepIntervalSec  = 10
	DefaultSweepBatchSize    = 100
	DefaultRateLimit         = 60
	DefaultRateWindowSec     = 60
)

// Load reads and validates a YAML configuration file, applying defaults for
// unset server settings.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("config: no agents defined")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("config: agent %d has no id", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if !a.Risk.Valid() {
			return nil, fmt.Errorf("config: agent %q has invalid risk %q", a.ID, a.Risk)
		}
	}

	s := &cfg.Server
	if s.Port == "" {
		s.Port = DefaultPort
	}
	if s.DataDir == "" {
		s.DataDir = DefaultDataDir
	}
	if s.TimestampWindowSec <= 0 {
		s.TimestampWindowSec = DefaultTimestampWindow
	}
	if s.Workers <= 0 {
		s.Workers = DefaultWorkers
	}
	if s.HandlerTimeoutSec <= 0 {
		s.HandlerTimeoutSec = DefaultHandlerTimeoutSec
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.SweepIntervalSec <= 0 {
		s.SweepIntervalSec = DefaultSweepIntervalSec
	}
	if s.SweepBatchSize <= 0 {
		s.SweepBatchSize = DefaultSweepBatchSize
	}
	if s.RateLimit <= 0 {
		s.RateLimit = DefaultRateLimit
	}
	if s.RateWindowSec <= 0 {
		s.RateWindowSec = DefaultRateWindowSec
	}

	return &cfg, nil
}

// Registry is an immutable lookup over the configured agents.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds a Registry from the loaded configuration.
func NewRegistry(cfg *Config) *Registry {
	m := make(map[string]Agent, len(cfg.Agents))
	for _, a := range cfg.Agents {
		m[a.ID] = a
	}
	return &Registry{agents: m}
}

// Lookup returns the agent with the given id.
func (r *Registry) Lookup(id string) (Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// AgentSecret implements the verifier's secret lookup.
func (r *Registry) AgentSecret(id string) (string, bool) {
	a, ok := r.agents[id]
	if !ok {
		return "", false
	}
	return a.Secret, true
}

// TimestampWindow returns the configured window as a duration.
func (s Settings) TimestampWindow() time.Duration {
	return time.Duration(s.TimestampWindowSec) * time.Second
}

// HandlerTimeout returns the per-handler execution timeout as a duration.
func (s Settings) HandlerTimeout() time.Duration {
	return time.Duration(s.HandlerTimeoutSec) * time.Second
}

// SweepInterval returns the scheduled-task sweep period as a duration.
func (s Settings) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// RateWindow returns the submission rate-limit window as a duration.
func (s Settings) RateWindow() time.Duration {
	return time.Duration(s.RateWindowSec) * time.Second
}
