// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	Oracle       OracleConfig       `mapstructure:"oracle" yaml:"oracle"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Pool         PoolConfig         `mapstructure:"pool" yaml:"pool"`
	Validators   ValidatorConfig    `mapstructure:"validators" yaml:"validators"`
	Bridge       BridgeConfig       `mapstructure:"bridge" yaml:"bridge"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig controls the headless browser process.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// OracleConfig controls the decision-oracle client.
type OracleConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
}

// OrchestratorConfig bounds a BossAgent run.
type OrchestratorConfig struct {
	MaxConcurrentAgents int           `mapstructure:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	MaxSteps            int           `mapstructure:"max_steps" yaml:"max_steps"`
	TickInterval        time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	StopGracePeriod     time.Duration `mapstructure:"stop_grace_period" yaml:"stop_grace_period"`
	Agents              []AgentSpec   `mapstructure:"agents" yaml:"agents"`
}

// AgentSpec declares one agent in the session roster. Kind must name a
// constructible agent variant.
type AgentSpec struct {
	Name         string   `mapstructure:"name" yaml:"name"`
	Kind         string   `mapstructure:"kind" yaml:"kind"`
	Dependencies []string `mapstructure:"dependencies" yaml:"dependencies"`
}

// PoolConfig sizes the execution-unit pool.
type PoolConfig struct {
	Size           int           `mapstructure:"size" yaml:"size"`
	MaxSessions    int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	ReplaceBackoff time.Duration `mapstructure:"replace_backoff" yaml:"replace_backoff"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// ValidatorConfig holds the behavioral-validator thresholds.
type ValidatorConfig struct {
	MaxRepeatedActions  int    `mapstructure:"max_repeated_actions" yaml:"max_repeated_actions"`
	MaxErrors           int    `mapstructure:"max_errors" yaml:"max_errors"`
	MaxRepeatedWarnings int    `mapstructure:"max_repeated_warnings" yaml:"max_repeated_warnings"`
	TokenBudget         int    `mapstructure:"token_budget" yaml:"token_budget"`
	TokenModel          string `mapstructure:"token_model" yaml:"token_model"`
}

// BridgeConfig points at the outward UI bridge. An empty URL disables it.
type BridgeConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// APIConfig controls the HTTP control surface.
type APIConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Load reads configuration from the given file (or ./config.yaml) plus
// WEBSENTRY_* environment variables, and applies defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("WEBSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with sensible production defaults.
func (c *Config) ApplyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "console"
	}
	if c.Logger.ServiceName == "" {
		c.Logger.ServiceName = "websentry"
	}
	if c.Logger.MaxSize == 0 {
		c.Logger.MaxSize = 100
	}
	if c.Logger.MaxBackups == 0 {
		c.Logger.MaxBackups = 3
	}
	if c.Browser.NavigationTimeout == 0 {
		c.Browser.NavigationTimeout = 30 * time.Second
	}
	if c.Browser.ScreenshotDir == "" {
		c.Browser.ScreenshotDir = "screenshots"
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = "gemini-2.0-flash"
	}
	if c.Oracle.Timeout == 0 {
		c.Oracle.Timeout = 45 * time.Second
	}
	if c.Oracle.Temperature == 0 {
		c.Oracle.Temperature = 0.2
	}
	if c.Orchestrator.MaxConcurrentAgents == 0 {
		c.Orchestrator.MaxConcurrentAgents = 3
	}
	if c.Orchestrator.MaxSteps == 0 {
		c.Orchestrator.MaxSteps = 50
	}
	if c.Orchestrator.TickInterval == 0 {
		c.Orchestrator.TickInterval = 100 * time.Millisecond
	}
	if c.Orchestrator.StopGracePeriod == 0 {
		c.Orchestrator.StopGracePeriod = 5 * time.Second
	}
	if len(c.Orchestrator.Agents) == 0 {
		c.Orchestrator.Agents = []AgentSpec{
			{Name: "crawler", Kind: "crawler"},
			{Name: "analyzer", Kind: "analyzer", Dependencies: []string{"crawler"}},
		}
	}
	if c.Pool.Size == 0 {
		c.Pool.Size = 2
	}
	if c.Pool.MaxSessions == 0 {
		c.Pool.MaxSessions = 8
	}
	if c.Pool.ReplaceBackoff == 0 {
		c.Pool.ReplaceBackoff = 500 * time.Millisecond
	}
	if c.Pool.ShutdownGrace == 0 {
		c.Pool.ShutdownGrace = 5 * time.Second
	}
	if c.Validators.MaxRepeatedActions == 0 {
		c.Validators.MaxRepeatedActions = 5
	}
	if c.Validators.MaxErrors == 0 {
		c.Validators.MaxErrors = 10
	}
	if c.Validators.MaxRepeatedWarnings == 0 {
		c.Validators.MaxRepeatedWarnings = 3
	}
	if c.Validators.TokenBudget == 0 {
		c.Validators.TokenBudget = 500_000
	}
	if c.Validators.TokenModel == "" {
		c.Validators.TokenModel = "gpt-4o"
	}
	if c.Bridge.DialTimeout == 0 {
		c.Bridge.DialTimeout = 5 * time.Second
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8040"
	}
}

// Default returns a Config with every default applied, for tests and
// programmatic embedding.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}
