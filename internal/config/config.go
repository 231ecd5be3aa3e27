// ABOUTME: Configuration loading and parsing for coven-coordinator
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-coordinator/internal/retry"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// Config represents the complete coven-coordinator configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Sessions SessionsConfig `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
	TextGen  TextGenConfig  `yaml:"textgen"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// CoordinatorName is the from_agent on messages the coordinator sends.
	CoordinatorName string `yaml:"coordinator_name"`
}

// AuthConfig holds token and signature settings
type AuthConfig struct {
	Secret            string `yaml:"secret"`
	RequireSignatures bool   `yaml:"require_signatures"`

	TokenTTL           time.Duration `yaml:"-"`
	SignatureTolerance time.Duration `yaml:"-"`
	SweepInterval      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TokenTTLRaw           string `yaml:"token_ttl"`
	SignatureToleranceRaw string `yaml:"signature_tolerance"`
	SweepIntervalRaw      string `yaml:"sweep_interval"`
}

// AgentsConfig holds the agent endpoint table and delivery settings
type AgentsConfig struct {
	Endpoints map[string]string `yaml:"endpoints"`
	// RateLimit is sends per second per agent; zero disables limiting.
	RateLimit float64     `yaml:"rate_limit"`
	Burst     int         `yaml:"burst"`
	Retry     RetryConfig `yaml:"retry"`

	RequestTimeout time.Duration `yaml:"-"`
	HealthTimeout  time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
	HealthTimeoutRaw  string `yaml:"health_timeout"`
}

// RetryConfig is the router's transport retry policy
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	Multiplier  float64 `yaml:"multiplier"`

	InitialBackoff time.Duration `yaml:"-"`
	MaxBackoff     time.Duration `yaml:"-"`

	InitialBackoffRaw string `yaml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff"`
}

// WorkflowConfig holds DAG engine defaults and configured templates
type WorkflowConfig struct {
	MaxRetries int                 `yaml:"max_retries"`
	HaltPolicy workflow.HaltPolicy `yaml:"halt_policy"`
	Templates  []TemplateConfig    `yaml:"templates"`

	StepTimeout     time.Duration `yaml:"-"`
	WorkflowTimeout time.Duration `yaml:"-"`
	Retention       time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	StepTimeoutRaw     string `yaml:"step_timeout"`
	WorkflowTimeoutRaw string `yaml:"workflow_timeout"`
	RetentionRaw       string `yaml:"retention"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// TemplateConfig is a named workflow definition
type TemplateConfig struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Steps       []StepConfig `yaml:"steps"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// StepConfig is one step of a template
type StepConfig struct {
	ID           string         `yaml:"id"`
	Agent        string         `yaml:"agent"`
	Tool         string         `yaml:"tool"`
	Parameters   map[string]any `yaml:"parameters"`
	Dependencies []string       `yaml:"dependencies"`
	MaxRetries   int            `yaml:"max_retries"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// SessionsConfig holds session expiry and snapshot settings
type SessionsConfig struct {
	Timeout          time.Duration `yaml:"-"`
	CleanupInterval  time.Duration `yaml:"-"`
	SnapshotInterval time.Duration `yaml:"-"`

	TimeoutRaw          string `yaml:"timeout"`
	CleanupIntervalRaw  string `yaml:"cleanup_interval"`
	SnapshotIntervalRaw string `yaml:"snapshot_interval"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// TextGenConfig configures conversational reply generation
type TextGenConfig struct {
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// Text generation providers.
const (
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Default returns a configuration with every default applied and no
// agents. It is not validated; callers still need an auth secret.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.HTTPAddr, "0.0.0.0:8000")
	setDefault(&c.Server.CoordinatorName, "master-coordinator")

	setDuration(&c.Auth.TokenTTL, 24*time.Hour)
	setDuration(&c.Auth.SignatureTolerance, 5*time.Minute)
	setDuration(&c.Auth.SweepInterval, time.Hour)

	setDuration(&c.Agents.RequestTimeout, 30*time.Second)
	setDuration(&c.Agents.HealthTimeout, 2*time.Second)
	if c.Agents.Burst <= 0 {
		c.Agents.Burst = 1
	}
	def := retry.DefaultConfig()
	if c.Agents.Retry.MaxAttempts <= 0 {
		c.Agents.Retry.MaxAttempts = def.MaxAttempts
	}
	setDuration(&c.Agents.Retry.InitialBackoff, def.InitialBackoff)
	setDuration(&c.Agents.Retry.MaxBackoff, def.MaxBackoff)
	if c.Agents.Retry.Multiplier <= 0 {
		c.Agents.Retry.Multiplier = def.Multiplier
	}

	setDuration(&c.Workflow.StepTimeout, workflow.DefaultStepTimeout)
	setDuration(&c.Workflow.WorkflowTimeout, workflow.DefaultWorkflowTimeout)
	setDuration(&c.Workflow.Retention, workflow.DefaultRetention)
	setDuration(&c.Workflow.CleanupInterval, time.Hour)
	if c.Workflow.MaxRetries == 0 {
		c.Workflow.MaxRetries = workflow.DefaultMaxRetries
	}
	if c.Workflow.HaltPolicy == "" {
		c.Workflow.HaltPolicy = workflow.HaltFailFast
	}

	setDuration(&c.Sessions.Timeout, 24*time.Hour)
	setDuration(&c.Sessions.CleanupInterval, time.Hour)
	setDuration(&c.Sessions.SnapshotInterval, 5*time.Minute)

	setDefault(&c.Storage.Backend, store.BackendSQLite)
	if c.Storage.Backend == store.BackendSQLite {
		setDefault(&c.Storage.Path, "coven-coordinator.db")
	}
	if c.Storage.Backend == store.BackendRedis {
		setDefault(&c.Storage.RedisAddr, "localhost:6379")
	}

	if c.TextGen.Provider == "" {
		c.TextGen.Provider = ProviderNone
		if c.TextGen.APIKey != "" {
			c.TextGen.Provider = ProviderOpenAI
		}
	}
	setDuration(&c.TextGen.Timeout, 15*time.Second)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Metrics.Path, "/metrics")
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

func setDuration(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}

	for _, name := range c.AgentNames() {
		u, err := url.Parse(c.Agents.Endpoints[name])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agents.endpoints.%s: %q is not an http(s) URL", name, c.Agents.Endpoints[name])
		}
	}
	if c.Agents.RateLimit < 0 {
		return errors.New("agents.rate_limit must not be negative")
	}

	switch c.Workflow.HaltPolicy {
	case workflow.HaltFailFast, workflow.HaltSkipDependents:
	default:
		return fmt.Errorf("workflow.halt_policy %q must be %s or %s", c.Workflow.HaltPolicy, workflow.HaltFailFast, workflow.HaltSkipDependents)
	}
	seen := make(map[string]bool)
	for i, t := range c.Workflow.Templates {
		if t.ID == "" {
			return fmt.Errorf("workflow.templates[%d].id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("workflow.templates: duplicate id %q", t.ID)
		}
		seen[t.ID] = true
		if len(t.Steps) == 0 {
			return fmt.Errorf("workflow.templates.%s has no steps", t.ID)
		}
		for j, s := range t.Steps {
			if s.ID == "" || s.Agent == "" || s.Tool == "" {
				return fmt.Errorf("workflow.templates.%s.steps[%d]: id, agent, and tool are required", t.ID, j)
			}
		}
	}

	switch c.Storage.Backend {
	case store.BackendSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	case store.BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	case store.BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q must be sqlite, redis, or memory", c.Storage.Backend)
	}

	switch c.TextGen.Provider {
	case ProviderNone:
	case ProviderOpenAI:
		if c.TextGen.APIKey == "" {
			return errors.New("textgen.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("textgen.provider %q must be openai or none", c.TextGen.Provider)
	}

	return nil
}

// AgentNames returns the configured agents in registration order, which is
// sorted by name.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents.Endpoints))
	for name := range c.Agents.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryPolicy converts the agents.retry section.
func (c *Config) RetryPolicy() retry.Config {
	def := retry.DefaultConfig()
	return retry.Config{
		MaxAttempts:    c.Agents.Retry.MaxAttempts,
		InitialBackoff: c.Agents.Retry.InitialBackoff,
		MaxBackoff:     c.Agents.Retry.MaxBackoff,
		Multiplier:     c.Agents.Retry.Multiplier,
		Jitter:         def.Jitter,
	}
}

// StoreOptions converts the storage section.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:     c.Storage.Backend,
		Path:        c.Storage.Path,
		RedisAddr:   c.Storage.RedisAddr,
		RedisDB:     c.Storage.RedisDB,
		RedisPrefix: "coven:",
	}
}

// Definitions converts the configured templates, checking every step's tool
// against tools.
func (w WorkflowConfig) Definitions(tools workflow.ToolResolver) ([]workflow.Definition, error) {
	defs := make([]workflow.Definition, 0, len(w.Templates))
	for _, t := range w.Templates {
		def := workflow.Definition{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Timeout:     t.Timeout,
		}
		if def.Name == "" {
			def.Name = t.ID
		}
		for _, s := range t.Steps {
			if tools != nil {
				if _, err := tools.ResolveFor(s.Agent, s.Tool); err != nil {
					return nil, fmt.Errorf("workflow.templates.%s.steps.%s: %w", t.ID, s.ID, err)
				}
			}
			def.Steps = append(def.Steps, workflow.Step{
				ID:           s.ID,
				Agent:        s.Agent,
				Tool:         s.Tool,
				Parameters:   s.Parameters,
				Dependencies: s.Dependencies,
				Timeout:      s.Timeout,
				MaxRetries:   s.MaxRetries,
			})
		}
		defs = append(defs, def)
	}
	return defs, nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func (c *Config) durationFields() []durationField {
	fields := []durationField{
		{"auth.token_ttl", c.Auth.TokenTTLRaw, &c.Auth.TokenTTL},
		{"auth.signature_tolerance", c.Auth.SignatureToleranceRaw, &c.Auth.SignatureTolerance},
		{"auth.sweep_interval", c.Auth.SweepIntervalRaw, &c.Auth.SweepInterval},
		{"agents.request_timeout", c.Agents.RequestTimeoutRaw, &c.Agents.RequestTimeout},
		{"agents.health_timeout", c.Agents.HealthTimeoutRaw, &c.Agents.HealthTimeout},
		{"agents.retry.initial_backoff", c.Agents.Retry.InitialBackoffRaw, &c.Agents.Retry.InitialBackoff},
		{"agents.retry.max_backoff", c.Agents.Retry.MaxBackoffRaw, &c.Agents.Retry.MaxBackoff},
		{"workflow.step_timeout", c.Workflow.StepTimeoutRaw, &c.Workflow.StepTimeout},
		{"workflow.workflow_timeout", c.Workflow.WorkflowTimeoutRaw, &c.Workflow.WorkflowTimeout},
		{"workflow.retention", c.Workflow.RetentionRaw, &c.Workflow.Retention},
		{"workflow.cleanup_interval", c.Workflow.CleanupIntervalRaw, &c.Workflow.CleanupInterval},
		{"sessions.timeout", c.Sessions.TimeoutRaw, &c.Sessions.Timeout},
		{"sessions.cleanup_interval", c.Sessions.CleanupIntervalRaw, &c.Sessions.CleanupInterval},
		{"sessions.snapshot_interval", c.Sessions.SnapshotIntervalRaw, &c.Sessions.SnapshotInterval},
		{"textgen.timeout", c.TextGen.TimeoutRaw, &c.TextGen.Timeout},
	}
	for i := range c.Workflow.Templates {
		t := &c.Workflow.Templates[i]
		fields = append(fields, durationField{fmt.Sprintf("workflow.templates[%d].timeout", i), t.TimeoutRaw, &t.Timeout})
		for j := range t.Steps {
			s := &t.Steps[j]
			fields = append(fields, durationField{fmt.Sprintf("workflow.templates[%d].steps[%d].timeout", i, j), s.TimeoutRaw, &s.Timeout})
		}
	}
	return fields
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, f := range cfg.durationFields() {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
