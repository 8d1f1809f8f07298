// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Agent() AgentConfig
	Reflection() ReflectionConfig
	LLM() LLMConfig
	Backoff() BackoffConfig
	Sandbox() SandboxConfig
	Rollout() RolloutConfig
	Eval() EvalConfig
	Database() DatabaseConfig
	Metrics() MetricsConfig

	// Agent Setters
	SetAgentMaxIters(int)
	SetAgentTestPolicy(TestPolicy)

	// Rollout Setters
	SetRolloutCount(int)
	SetRolloutWorkers(int)
}

// Config is the root configuration object, loaded from config.yaml, the
// environment and command line flags.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	AgentCfg      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	ReflectionCfg ReflectionConfig `mapstructure:"reflection" yaml:"reflection"`
	LLMCfg        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	BackoffCfg    BackoffConfig    `mapstructure:"backoff" yaml:"backoff"`
	SandboxCfg    SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	RolloutCfg    RolloutConfig    `mapstructure:"rollout" yaml:"rollout"`
	EvalCfg       EvalConfig       `mapstructure:"eval" yaml:"eval"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	MetricsCfg    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Agent() AgentConfig           { return c.AgentCfg }
func (c *Config) Reflection() ReflectionConfig { return c.ReflectionCfg }
func (c *Config) LLM() LLMConfig               { return c.LLMCfg }
func (c *Config) Backoff() BackoffConfig       { return c.BackoffCfg }
func (c *Config) Sandbox() SandboxConfig       { return c.SandboxCfg }
func (c *Config) Rollout() RolloutConfig       { return c.RolloutCfg }
func (c *Config) Eval() EvalConfig             { return c.EvalCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Metrics() MetricsConfig       { return c.MetricsCfg }

func (c *Config) SetAgentMaxIters(n int)          { c.AgentCfg.MaxIters = n }
func (c *Config) SetAgentTestPolicy(p TestPolicy) { c.AgentCfg.TestPolicy = p }
func (c *Config) SetRolloutCount(n int)           { c.RolloutCfg.Rollouts = n }
func (c *Config) SetRolloutWorkers(n int)         { c.RolloutCfg.Workers = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// TestPolicy controls when the driver executes the task's test command.
type TestPolicy string

const (
	// TestOnWrite runs tests after every write_file that succeeded. A rejected
	// or failed write leaves the tree unchanged and triggers no test run.
	TestOnWrite TestPolicy = "on_write"
	// TestOnFinal runs tests once, just before the terminal result.
	TestOnFinal TestPolicy = "on_final"
	TestNever   TestPolicy = "never"
)

// Valid reports whether p is one of the known policies.
func (p TestPolicy) Valid() bool {
	switch p {
	case TestOnWrite, TestOnFinal, TestNever:
		return true
	}
	return false
}

// AgentConfig bounds a single driver run.
type AgentConfig struct {
	MaxIters     int           `mapstructure:"max_iters" yaml:"max_iters"`
	MaxHistory   int           `mapstructure:"max_history" yaml:"max_history"`
	LoopTripwire int           `mapstructure:"loop_tripwire" yaml:"loop_tripwire"`
	TestPolicy   TestPolicy    `mapstructure:"test_policy" yaml:"test_policy"`
	TestTimeout  time.Duration `mapstructure:"test_timeout" yaml:"test_timeout"`
	Progress     bool          `mapstructure:"progress" yaml:"progress"`
}

// ReflectionConfig gates the secondary corrective model call.
type ReflectionConfig struct {
	Enable           bool `mapstructure:"enable" yaml:"enable"`
	MaxReflections   int  `mapstructure:"max_reflections" yaml:"max_reflections"`
	DedupWindow      int  `mapstructure:"dedup_window" yaml:"dedup_window"`
	HistoryWindow    int  `mapstructure:"history_window" yaml:"history_window"`
	ReflectOnSuccess bool `mapstructure:"reflect_on_success" yaml:"reflect_on_success"`
}

// LLMProvider selects the model transport.
type LLMProvider string

const (
	ProviderOpenAI   LLMProvider = "openai"
	ProviderTogether LLMProvider = "together"
	ProviderGemini   LLMProvider = "gemini"
)

// TogetherBaseURL is the OpenAI-compatible endpoint used for the together provider.
const TogetherBaseURL = "https://api.together.xyz/v1"

// LLMConfig defines the model transport used by the driver.
type LLMConfig struct {
	Provider        LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model           string        `mapstructure:"model" yaml:"model"`
	ReflectionModel string        `mapstructure:"reflection_model" yaml:"reflection_model"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	APITimeout      time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature     float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP            float32       `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens       int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	JSONMode        bool          `mapstructure:"json_mode" yaml:"json_mode"`
}

// BackoffConfig is the retry policy shared by every work unit.
type BackoffConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval   time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval       time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsed        time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// SandboxMode selects how a workspace is materialized.
type SandboxMode string

const (
	SandboxCopy SandboxMode = "copy"
	SandboxGit  SandboxMode = "git"
)

// SandboxConfig controls workspace isolation.
type SandboxConfig struct {
	Enabled bool        `mapstructure:"enabled" yaml:"enabled"`
	Keep    bool        `mapstructure:"keep" yaml:"keep"`
	Mode    SandboxMode `mapstructure:"mode" yaml:"mode"`
}

// WriteMode controls how dataset files are opened.
type WriteMode string

const (
	WriteOverwrite WriteMode = "overwrite"
	WriteAppend    WriteMode = "append"
)

// RolloutConfig configures the parallel rollout engine and preference output.
type RolloutConfig struct {
	Rollouts    int           `mapstructure:"rollouts" yaml:"rollouts"`
	BaseSeed    int           `mapstructure:"base_seed" yaml:"base_seed"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TraceDir    string        `mapstructure:"trace_dir" yaml:"trace_dir"`
	OutPath     string        `mapstructure:"out_path" yaml:"out_path"`
	MetaPath    string        `mapstructure:"meta_path" yaml:"meta_path"`
	WriteMode   WriteMode     `mapstructure:"write_mode" yaml:"write_mode"`
}

// ResolvedMetaPath returns MetaPath, or "<stem>_meta.jsonl" next to OutPath when unset.
func (r RolloutConfig) ResolvedMetaPath() string {
	if r.MetaPath != "" {
		return r.MetaPath
	}
	return DefaultMetaPath(r.OutPath)
}

// DefaultMetaPath derives the metadata path from a dataset path.
func DefaultMetaPath(outPath string) string {
	stem := strings.TrimSuffix(filepath.Base(outPath), filepath.Ext(outPath))
	return filepath.Join(filepath.Dir(outPath), stem+"_meta.jsonl")
}

// EvalConfig configures suite evaluation.
type EvalConfig struct {
	TraceDir   string `mapstructure:"trace_dir" yaml:"trace_dir"`
	ReportPath string `mapstructure:"report_path" yaml:"report_path"`
}

// DatabaseConfig holds the database connection details. An empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig controls the prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "repoagent")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Agent --
	v.SetDefault("agent.max_iters", 20)
	v.SetDefault("agent.max_history", 12)
	v.SetDefault("agent.loop_tripwire", 3)
	v.SetDefault("agent.test_policy", string(TestOnWrite))
	v.SetDefault("agent.test_timeout", "120s")
	v.SetDefault("agent.progress", true)

	// -- Reflection --
	v.SetDefault("reflection.enable", true)
	v.SetDefault("reflection.max_reflections", 5)
	v.SetDefault("reflection.dedup_window", 5)
	v.SetDefault("reflection.history_window", 8)
	v.SetDefault("reflection.reflect_on_success", false)

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderOpenAI))
	v.SetDefault("llm.model", "gpt-4.1-mini")
	v.SetDefault("llm.api_timeout", "90s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 600)
	v.SetDefault("llm.json_mode", true)

	// -- Backoff --
	v.SetDefault("backoff.max_retries", 6)
	v.SetDefault("backoff.initial_interval", "1s")
	v.SetDefault("backoff.max_interval", "30s")
	v.SetDefault("backoff.max_elapsed", "2m")
	v.SetDefault("backoff.requests_per_second", 2.0)
	v.SetDefault("backoff.burst", 4)

	// -- Sandbox --
	v.SetDefault("sandbox.enabled", true)
	v.SetDefault("sandbox.keep", false)
	v.SetDefault("sandbox.mode", string(SandboxCopy))

	// -- Rollout --
	v.SetDefault("rollout.rollouts", 4)
	v.SetDefault("rollout.base_seed", 42)
	v.SetDefault("rollout.temperature", 0.7)
	v.SetDefault("rollout.workers", 2)
	v.SetDefault("rollout.timeout", "0s")
	v.SetDefault("rollout.trace_dir", "runs/prefs")
	v.SetDefault("rollout.out_path", "runs/prefs/dpo_dataset.jsonl")
	v.SetDefault("rollout.meta_path", "")
	v.SetDefault("rollout.write_mode", string(WriteOverwrite))

	// -- Eval --
	v.SetDefault("eval.trace_dir", "runs/eval")
	v.SetDefault("eval.report_path", "")

	// -- Database / Metrics --
	v.SetDefault("database.url", "")
	v.SetDefault("metrics.addr", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "REPOAGENT_LLM_API_KEY")
	_ = v.BindEnv("database.url", "REPOAGENT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Provider specific keys are the usual fallback when no explicit key was configured.
	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = providerKeyFromEnv(cfg.LLMCfg.Provider)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func providerKeyFromEnv(p LLMProvider) string {
	switch p {
	case ProviderTogether:
		return os.Getenv("TOGETHER_API_KEY")
	case ProviderGemini:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.LoggerCfg.LogFile,
		&c.RolloutCfg.TraceDir,
		&c.RolloutCfg.OutPath,
		&c.RolloutCfg.MetaPath,
		&c.EvalCfg.TraceDir,
		&c.EvalCfg.ReportPath,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.ReflectionCfg.Validate(); err != nil {
		return fmt.Errorf("reflection configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.BackoffCfg.Validate(); err != nil {
		return fmt.Errorf("backoff configuration invalid: %w", err)
	}
	if err := c.RolloutCfg.Validate(); err != nil {
		return fmt.Errorf("rollout configuration invalid: %w", err)
	}
	switch c.SandboxCfg.Mode {
	case SandboxCopy, SandboxGit:
	default:
		return fmt.Errorf("sandbox.mode must be one of copy, git; got %q", c.SandboxCfg.Mode)
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.MaxIters <= 0 {
		return fmt.Errorf("max_iters must be a positive integer")
	}
	if a.MaxHistory < 0 {
		return fmt.Errorf("max_history cannot be negative")
	}
	if a.LoopTripwire < 2 {
		return fmt.Errorf("loop_tripwire must be at least 2")
	}
	if !a.TestPolicy.Valid() {
		return fmt.Errorf("test_policy must be one of on_write, on_final, never; got %q", a.TestPolicy)
	}
	return nil
}

// Validate checks the ReflectionConfig settings.
func (r *ReflectionConfig) Validate() error {
	if !r.Enable {
		return nil
	}
	if r.MaxReflections < 0 || r.DedupWindow < 0 || r.HistoryWindow < 0 {
		return fmt.Errorf("reflection windows and caps cannot be negative")
	}
	return nil
}

// Validate checks the LLMConfig settings. The API key is checked by the client
// constructors so that offline commands (trace, version) still load.
func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderOpenAI, ProviderTogether, ProviderGemini:
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// Validate checks the BackoffConfig settings.
func (b *BackoffConfig) Validate() error {
	if b.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if b.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative")
	}
	if b.MaxInterval > 0 && b.InitialInterval > b.MaxInterval {
		return fmt.Errorf("initial_interval must not exceed max_interval")
	}
	return nil
}

// Validate checks the RolloutConfig settings.
func (r *RolloutConfig) Validate() error {
	if r.Rollouts <= 0 {
		return fmt.Errorf("rollouts must be a positive integer")
	}
	if r.Workers <= 0 {
		return fmt.Errorf("workers must be a positive integer")
	}
	switch r.WriteMode {
	case WriteOverwrite, WriteAppend:
	default:
		return fmt.Errorf("write_mode must be overwrite or append; got %q", r.WriteMode)
	}
	return nil
}
