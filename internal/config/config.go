package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backpressure policies accepted by queue.policy.
const (
	PolicyBlock      = "block"
	PolicyDropNewest = "drop_newest"
	PolicyDropOldest = "drop_oldest"
)

// ProviderConfig holds per-provider settings for the completion backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type DBConfig struct {
	DSN                   string `yaml:"dsn"`
	MaxConns              int    `yaml:"max_conns"` // 0 sizes the pool from the worker budgets
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	ApplicationName       string `yaml:"application_name"`
}

// LLMConfig selects the completion provider. Provider is one of
// "google", "anthropic", "openai", "openai_compatible", "openrouter".
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	// Fallbacks are providers tried in order when the primary fails.
	Fallbacks []string `yaml:"fallbacks"`
}

type AgentConfig struct {
	Goal                 string `yaml:"goal"`
	IntervalMillis       int    `yaml:"interval_ms"`
	MaxAttempts          int    `yaml:"max_attempts"`
	RetryBaseMillis      int    `yaml:"retry_base_ms"`
	CallTimeoutSeconds   int    `yaml:"call_timeout_seconds"`
	SchemaRefreshSeconds int    `yaml:"schema_refresh_seconds"`
	History              int    `yaml:"history"`
	// MaxQueries bounds the ad hoc run; 0 generates until shutdown.
	MaxQueries int `yaml:"max_queries"`
}

type QueueConfig struct {
	Capacity int    `yaml:"capacity"` // 0 = unbounded
	Policy   string `yaml:"policy"`
}

type EngineConfig struct {
	Workers             int `yaml:"workers"`
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds"`
	AcquireTimeoutMs    int `yaml:"acquire_timeout_ms"`
	PollMs              int `yaml:"poll_ms"`
	SampleRows          int `yaml:"sample_rows"`
}

// SteadyQuery is one member of the fixed steady-state set. A bare YAML
// string is accepted as the SQL text.
type SteadyQuery struct {
	Name string `yaml:"name"`
	SQL  string `yaml:"sql"`
}

func (q *SteadyQuery) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		q.SQL = node.Value
		return nil
	}
	type plain SteadyQuery
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*q = SteadyQuery(p)
	return nil
}

type SteadyConfig struct {
	IntervalSeconds float64       `yaml:"interval_seconds"`
	Schedule        string        `yaml:"schedule"` // cron spec; overrides interval_seconds
	Workers         int           `yaml:"workers"`
	Queries         []SteadyQuery `yaml:"queries"`
}

type ShutdownConfig struct {
	GraceSeconds int `yaml:"grace_seconds"`
}

type AuditConfig struct {
	Dir      string `yaml:"dir"` // relative paths resolve under HomeDir
	SQLite   bool   `yaml:"sqlite"`
	SQLFiles bool   `yaml:"sql_files"`
}

type APIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	DB        DBConfig                  `yaml:"db"`
	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Agent     AgentConfig               `yaml:"agent"`
	Queue     QueueConfig               `yaml:"queue"`
	Engine    EngineConfig              `yaml:"engine"`
	Steady    SteadyConfig              `yaml:"steady"`
	Shutdown  ShutdownConfig            `yaml:"shutdown"`
	Audit     AuditConfig               `yaml:"audit"`
	API       APIConfig                 `yaml:"api"`
	Telemetry TelemetryConfig           `yaml:"otel"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

var (
	ErrMissingDSN  = errors.New("db.dsn is required (or DATABASE_URL)")
	ErrMissingGoal = errors.New("agent.goal is required")
	// ErrPoolTooSmall means db.max_conns cannot hold one connection per
	// ad hoc and steady-state worker.
	ErrPoolTooSmall = errors.New("db.max_conns is below engine.workers + steady.workers")
)

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "openai"
	}
	model = c.LLM.Model
	if model == "" {
		model = DefaultModel(provider)
	}
	return provider, model, c.ProviderAPIKey(provider)
}

// ResolveBaseURL returns the custom endpoint for openai-compatible providers.
func (c Config) ResolveBaseURL(provider string) string {
	if c.LLM.BaseURL != "" {
		return c.LLM.BaseURL
	}
	if p, ok := c.Providers[provider]; ok {
		return p.BaseURL
	}
	return ""
}

// MaxConns is the pool size: an explicit db.max_conns, or enough for both
// worker budgets plus one connection for catalog reads.
func (c Config) MaxConns() int {
	if c.DB.MaxConns > 0 {
		return c.DB.MaxConns
	}
	return c.Engine.Workers + c.Steady.Workers + 1
}

func (c Config) AuditDir() string {
	if filepath.IsAbs(c.Audit.Dir) {
		return c.Audit.Dir
	}
	return filepath.Join(c.HomeDir, c.Audit.Dir)
}

func (a AgentConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMillis) * time.Millisecond
}

func (a AgentConfig) RetryBase() time.Duration {
	return time.Duration(a.RetryBaseMillis) * time.Millisecond
}

func (a AgentConfig) CallTimeout() time.Duration {
	return time.Duration(a.CallTimeoutSeconds) * time.Second
}

func (a AgentConfig) SchemaRefresh() time.Duration {
	return time.Duration(a.SchemaRefreshSeconds) * time.Second
}

func (e EngineConfig) QueryTimeout() time.Duration {
	return time.Duration(e.QueryTimeoutSeconds) * time.Second
}

func (e EngineConfig) AcquireTimeout() time.Duration {
	return time.Duration(e.AcquireTimeoutMs) * time.Millisecond
}

func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollMs) * time.Millisecond
}

func (s SteadyConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds * float64(time.Second))
}

func (s ShutdownConfig) Grace() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}

// Validate reports configuration that makes a workload run impossible.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DB.DSN) == "" {
		errs = append(errs, ErrMissingDSN)
	}
	if strings.TrimSpace(c.Agent.Goal) == "" {
		errs = append(errs, ErrMissingGoal)
	}
	switch c.Queue.Policy {
	case PolicyBlock, PolicyDropNewest, PolicyDropOldest:
	default:
		errs = append(errs, fmt.Errorf("queue.policy %q: want one of %s, %s, %s", c.Queue.Policy, PolicyBlock, PolicyDropNewest, PolicyDropOldest))
	}
	if c.DB.MaxConns > 0 && c.DB.MaxConns < c.Engine.Workers+c.Steady.Workers {
		errs = append(errs, fmt.Errorf("%w (%d < %d + %d)", ErrPoolTooSmall, c.DB.MaxConns, c.Engine.Workers, c.Steady.Workers))
	}
	for i, q := range c.Steady.Queries {
		if strings.TrimSpace(q.SQL) == "" {
			errs = append(errs, fmt.Errorf("steady.queries[%d]: empty sql", i))
		}
	}
	return errors.Join(errs...)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape the workload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "goal=%s|provider=%s|model=%s|workers=%d/%d|queue=%d:%s|steady=%v@%s/%g",
		c.Agent.Goal, c.LLM.Provider, c.LLM.Model, c.Engine.Workers, c.Steady.Workers,
		c.Queue.Capacity, c.Queue.Policy, c.Steady.Queries, c.Steady.Schedule, c.Steady.IntervalSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Default returns the built-in configuration with no goal or DSN.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		DB: DBConfig{
			ConnectTimeoutSeconds: 10,
			ApplicationName:       "sqlagent",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Temperature: 0.7,
		},
		Agent: AgentConfig{
			IntervalMillis:       1000,
			MaxAttempts:          3,
			RetryBaseMillis:      500,
			CallTimeoutSeconds:   60,
			SchemaRefreshSeconds: 60,
			History:              5,
		},
		Queue: QueueConfig{
			Capacity: 100,
			Policy:   PolicyBlock,
		},
		Engine: EngineConfig{
			Workers:             5,
			QueryTimeoutSeconds: 30,
			AcquireTimeoutMs:    5000,
			PollMs:              1000,
			SampleRows:          5,
		},
		Steady: SteadyConfig{
			IntervalSeconds: 5,
			Workers:         2,
		},
		Shutdown: ShutdownConfig{GraceSeconds: 5},
		Audit:    AuditConfig{Dir: "audit", SQLFiles: true},
		API:      APIConfig{Enabled: true, BindAddr: "127.0.0.1:9187"},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "sqlagent",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SQLAGENT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sqlagent")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom layers defaults, <homeDir>/config.yaml and env overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sqlagent home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	fallbacks := cfg.LLM.Fallbacks[:0]
	for _, fb := range cfg.LLM.Fallbacks {
		fb = strings.ToLower(strings.TrimSpace(fb))
		if fb == "gemini" {
			fb = "google"
		}
		if fb != "" && fb != cfg.LLM.Provider {
			fallbacks = append(fallbacks, fb)
		}
	}
	cfg.LLM.Fallbacks = fallbacks
	if cfg.LLM.Temperature < 0 {
		cfg.LLM.Temperature = def.LLM.Temperature
	}
	if cfg.DB.ConnectTimeoutSeconds <= 0 {
		cfg.DB.ConnectTimeoutSeconds = def.DB.ConnectTimeoutSeconds
	}
	if cfg.DB.ApplicationName == "" {
		cfg.DB.ApplicationName = def.DB.ApplicationName
	}
	if cfg.Agent.IntervalMillis < 0 {
		cfg.Agent.IntervalMillis = 0
	}
	if cfg.Agent.MaxAttempts <= 0 {
		cfg.Agent.MaxAttempts = def.Agent.MaxAttempts
	}
	if cfg.Agent.RetryBaseMillis <= 0 {
		cfg.Agent.RetryBaseMillis = def.Agent.RetryBaseMillis
	}
	if cfg.Agent.CallTimeoutSeconds <= 0 {
		cfg.Agent.CallTimeoutSeconds = def.Agent.CallTimeoutSeconds
	}
	if cfg.Agent.SchemaRefreshSeconds <= 0 {
		cfg.Agent.SchemaRefreshSeconds = def.Agent.SchemaRefreshSeconds
	}
	if cfg.Agent.History < 0 {
		cfg.Agent.History = 0
	}
	if cfg.Agent.MaxQueries < 0 {
		cfg.Agent.MaxQueries = 0
	}
	if cfg.Queue.Capacity < 0 {
		cfg.Queue.Capacity = 0
	}
	cfg.Queue.Policy = strings.ToLower(strings.TrimSpace(cfg.Queue.Policy))
	if cfg.Queue.Policy == "" {
		cfg.Queue.Policy = PolicyBlock
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = def.Engine.Workers
	}
	if cfg.Engine.QueryTimeoutSeconds <= 0 {
		cfg.Engine.QueryTimeoutSeconds = def.Engine.QueryTimeoutSeconds
	}
	if cfg.Engine.AcquireTimeoutMs <= 0 {
		cfg.Engine.AcquireTimeoutMs = def.Engine.AcquireTimeoutMs
	}
	if cfg.Engine.PollMs <= 0 {
		cfg.Engine.PollMs = def.Engine.PollMs
	}
	if cfg.Engine.SampleRows < 0 {
		cfg.Engine.SampleRows = 0
	}
	if cfg.Steady.IntervalSeconds <= 0 {
		cfg.Steady.IntervalSeconds = def.Steady.IntervalSeconds
	}
	if cfg.Steady.Workers <= 0 {
		cfg.Steady.Workers = def.Steady.Workers
	}
	for i := range cfg.Steady.Queries {
		if cfg.Steady.Queries[i].Name == "" {
			cfg.Steady.Queries[i].Name = "steady_" + strconv.Itoa(i+1)
		}
	}
	if cfg.Shutdown.GraceSeconds <= 0 {
		cfg.Shutdown.GraceSeconds = def.Shutdown.GraceSeconds
	}
	if strings.TrimSpace(cfg.Audit.Dir) == "" {
		cfg.Audit.Dir = def.Audit.Dir
	}
	if cfg.API.BindAddr == "" {
		cfg.API.BindAddr = def.API.BindAddr
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.DB.DSN = raw
	}
	if raw := os.Getenv("SQLAGENT_DB_DSN"); raw != "" {
		cfg.DB.DSN = raw
	}
	if raw := os.Getenv("SQLAGENT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SQLAGENT_GOAL"); raw != "" {
		cfg.Agent.Goal = raw
	}
	if raw := os.Getenv("SQLAGENT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("SQLAGENT_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("SQLAGENT_QUEUE_POLICY"); raw != "" {
		cfg.Queue.Policy = raw
	}
	if raw := os.Getenv("SQLAGENT_API_BIND_ADDR"); raw != "" {
		cfg.API.BindAddr = raw
	}
	envInt("SQLAGENT_DB_MAX_CONNS", &cfg.DB.MaxConns)
	envInt("SQLAGENT_MAX_QUERIES", &cfg.Agent.MaxQueries)
	envInt("SQLAGENT_QUEUE_CAPACITY", &cfg.Queue.Capacity)
	envInt("SQLAGENT_ENGINE_WORKERS", &cfg.Engine.Workers)
	envInt("SQLAGENT_STEADY_WORKERS", &cfg.Steady.Workers)
	envInt("SQLAGENT_SHUTDOWN_GRACE_SECONDS", &cfg.Shutdown.GraceSeconds)
}
