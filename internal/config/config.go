// Package config loads harvester configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all harvester configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	Run     RunConfig     `yaml:"run"`
	Logging LoggingConfig `yaml:"logging"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
	Export  ExportConfig  `yaml:"export"`
}

// APIConfig configures the remote record API.
type APIConfig struct {
	BaseURL      string `yaml:"base_url"`
	PathTemplate string `yaml:"path_template"`
	UserAgent    string `yaml:"user_agent"`
	Timeout      string `yaml:"timeout"`
}

// AuthConfig configures the login flow.
type AuthConfig struct {
	LoginURL         string `yaml:"login_url"`
	Username         string `yaml:"username"`
	Password         string `yaml:"-"`
	UsernameSelector string `yaml:"username_selector"`
	PasswordSelector string `yaml:"password_selector"`
	SubmitSelector   string `yaml:"submit_selector"`
	ReadySelector    string `yaml:"ready_selector"`
	Headless         bool   `yaml:"headless"`
	// ControlURL attaches to a running browser instead of launching one.
	ControlURL   string `yaml:"control_url"`
	LoginTimeout string `yaml:"login_timeout"`
	SessionFile  string `yaml:"session_file"`
}

// RunConfig configures the pipeline.
type RunConfig struct {
	Input          string `yaml:"input"`
	Checkpoint     string `yaml:"checkpoint"`
	OutputDir      string `yaml:"output_dir"`
	Concurrency    int    `yaml:"concurrency"`
	MaxAttempts    int    `yaml:"max_attempts"`
	FlushEvery     int    `yaml:"flush_every"`
	RetryFailed    bool   `yaml:"retry_failed"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// LoggingConfig configures the application log and the diagnostic files.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Pretty       bool   `yaml:"pretty"`
	ExecutionLog string `yaml:"execution_log"`
	ErrorLog     string `yaml:"error_log"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
}

// RedisConfig enables shared session and rate limit state. An empty URL
// keeps both local.
type RedisConfig struct {
	URL        string `yaml:"url"`
	SessionKey string `yaml:"session_key"`
	SessionTTL string `yaml:"session_ttl"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ExportConfig configures the CSV export.
type ExportConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:      "https://www.scopus.com",
			PathTemplate: "/gateway/doc-details/documents/%s",
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			Timeout:      "5m",
		},
		Auth: AuthConfig{
			UsernameSelector: "input[type=text]",
			PasswordSelector: "input[type=password]",
			SubmitSelector:   "input[type=submit]",
			ReadySelector:    "body",
			Headless:         true,
			LoginTimeout:     "2m",
			SessionFile:      "cookies.json",
		},
		Run: RunConfig{
			Input:          "eid.csv",
			Checkpoint:     "status.csv",
			OutputDir:      "downloaded",
			Concurrency:    18,
			MaxAttempts:    5,
			FlushEvery:     100,
			RetryFailed:    true,
			InitialBackoff: "1s",
			MaxBackoff:     "30s",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ExecutionLog: "execution.log",
			ErrorLog:     "error.log",
		},
		Redis: RedisConfig{
			SessionKey: "harvest:session",
			SessionTTL: "12h",
		},
		Export: ExportConfig{
			OutputDir: "output",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML. The password is never written.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Credentials
	if v := os.Getenv("HARVEST_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := os.Getenv("HARVEST_PASSWORD"); v != "" {
		c.Auth.Password = v
	}

	// Endpoints
	if v := os.Getenv("HARVEST_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("HARVEST_LOGIN_URL"); v != "" {
		c.Auth.LoginURL = v
	}
	if v := os.Getenv("USER_AGENT"); v != "" {
		c.API.UserAgent = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	if v := os.Getenv("HARVEST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks the configuration needed for a run.
func (c *Config) Validate() error {
	var problems []string
	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	if !strings.Contains(c.API.PathTemplate, "%s") {
		problems = append(problems, "api.path_template must contain %s")
	}
	if c.Run.Input == "" || c.Run.Checkpoint == "" || c.Run.OutputDir == "" {
		problems = append(problems, "run.input, run.checkpoint and run.output_dir are required")
	}
	if c.Run.Concurrency < 1 {
		problems = append(problems, "run.concurrency must be at least 1")
	}
	if c.Run.MaxAttempts < 1 {
		problems = append(problems, "run.max_attempts must be at least 1")
	}
	for name, value := range map[string]string{
		"api.timeout":         c.API.Timeout,
		"auth.login_timeout":  c.Auth.LoginTimeout,
		"run.initial_backoff": c.Run.InitialBackoff,
		"run.max_backoff":     c.Run.MaxBackoff,
		"redis.session_ttl":   c.Redis.SessionTTL,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", name, value))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateLogin checks the configuration needed to log in.
func (c *Config) ValidateLogin() error {
	switch {
	case c.Auth.LoginURL == "":
		return fmt.Errorf("auth.login_url is required (or set HARVEST_LOGIN_URL)")
	case c.Auth.Username == "" || c.Auth.Password == "":
		return fmt.Errorf("credentials not configured (set HARVEST_USERNAME and HARVEST_PASSWORD)")
	}
	return nil
}

// GetAPITimeout returns the per-attempt timeout.
func (c *Config) GetAPITimeout() time.Duration {
	return parseDuration(c.API.Timeout, 5*time.Minute)
}

// GetLoginTimeout returns the login timeout.
func (c *Config) GetLoginTimeout() time.Duration {
	return parseDuration(c.Auth.LoginTimeout, 2*time.Minute)
}

// GetInitialBackoff returns the delay after the first failed attempt.
func (c *Config) GetInitialBackoff() time.Duration {
	return parseDuration(c.Run.InitialBackoff, 0)
}

// GetMaxBackoff returns the backoff ceiling.
func (c *Config) GetMaxBackoff() time.Duration {
	return parseDuration(c.Run.MaxBackoff, 30*time.Second)
}

// GetSessionTTL returns how long a session is kept in Redis.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Redis.SessionTTL, 0)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
