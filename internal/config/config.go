package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAuthTokenPath is where the deployment mounts the bearer token.
const DefaultAuthTokenPath = "/run/secrets/optune_auth_token"

// DefaultRetryDelay spaces service retries unless SERVO_RETRY_DELAY_SEC
// overrides it.
const DefaultRetryDelay = 20 * time.Second

// Config holds agent configuration. Values are layered: built-in defaults,
// then ~/.servo/config.yaml, then OPTUNE_*/SERVO_* environment variables,
// then command-line flags.
type Config struct {
	Account   string `yaml:"account"`
	AppID     string `yaml:"app_id"`
	BaseURL   string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
	NoAuth    bool   `yaml:"no_auth"`
	Agent     string `yaml:"agent"`
	Delay     int    `yaml:"delay"`

	AdjustDriver      string `yaml:"adjust_driver"`
	MeasureDriver     string `yaml:"measure_driver"`
	EnvironmentDriver string `yaml:"environment_driver"`

	VerboseStderr string `yaml:"verbose_stderr"`

	Perf       string        `yaml:"-"`
	IOTimeout  time.Duration `yaml:"-"`
	RetryDelay time.Duration `yaml:"-"`

	Interactive bool `yaml:"-"`
	Verbose     bool `yaml:"-"`
}

// DefaultPath returns the default config file path: ~/.servo/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".servo", "config.yaml")
}

func defaults() *Config {
	return &Config{
		AuthToken:         DefaultAuthTokenPath,
		AdjustDriver:      "./adjust",
		MeasureDriver:     "./measure",
		EnvironmentDriver: "./environment",
		VerboseStderr:     "all",
		RetryDelay:        DefaultRetryDelay,
	}
}

// Load reads a YAML config file from path on top of the built-in defaults.
// A missing, empty, or all-comment file yields the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv layers OPTUNE_* and SERVO_* environment variables over cfg.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("OPTUNE_ACCOUNT"); v != "" {
		c.Account = v
	}
	if v := os.Getenv("OPTUNE_PERF"); v != "" {
		c.Perf = v
	}
	if v := os.Getenv("OPTUNE_VERBOSE_STDERR"); v != "" {
		switch v {
		case "all", "minimal", "none":
			c.VerboseStderr = v
		default:
			return fmt.Errorf("OPTUNE_VERBOSE_STDERR must be all, minimal, or none; got %q", v)
		}
	}
	if v := os.Getenv("OPTUNE_IO_TIMEOUT"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return fmt.Errorf("OPTUNE_IO_TIMEOUT must be a non-negative number of seconds; got %q", v)
		}
		c.IOTimeout = time.Duration(secs * float64(time.Second))
	}
	if v := os.Getenv("SERVO_RETRY_DELAY_SEC"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("SERVO_RETRY_DELAY_SEC must be a positive number of seconds; got %q", v)
		}
		c.RetryDelay = time.Duration(secs * float64(time.Second))
	}
	return nil
}

// Validate checks that the configuration is sufficient to reach the service.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return errors.New("app_id is required")
	}
	if c.BaseURL == "" && c.Account == "" {
		return errors.New("either an account or a URL override is required")
	}
	return nil
}
