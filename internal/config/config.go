package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/luisdh8/ollama-ecomerce/internal/logging"
	"github.com/luisdh8/ollama-ecomerce/internal/models"
	"github.com/luisdh8/ollama-ecomerce/internal/profile"
)

// Environment variables that override file values.
const (
	EnvBaseURL  = "OLLAMA_BASE_URL"
	EnvModel    = "OLLAMA_MODEL"
	EnvTimeout  = "OLLAMA_TIMEOUT"
	EnvLogLevel = "OLLAMA_LOG_LEVEL"
)

const (
	defaultBaseURL       = "http://localhost:11434"
	defaultModel         = "llama3"
	defaultTimeout       = 120 * time.Second
	defaultProbeTimeout  = 10 * time.Second
	defaultPlannedOutput = 2048
	defaultPort          = 8080
	defaultEncoding      = "cl100k_base"
)

// Config represents the application configuration parsed from YAML and the
// environment.
type Config struct {
	Backend  BackendConfig     `yaml:"backend"`
	Server   ServerConfig      `yaml:"server"`
	Profiles []ProfileConfig   `yaml:"profiles"`
	Aliases  map[string]string `yaml:"aliases"`
	// PlannedOutput is the output budget reserved when routing.
	PlannedOutput int             `yaml:"planned_output_tokens"`
	Tokenizer     TokenizerConfig `yaml:"tokenizer"`
	Log           LogConfig       `yaml:"log"`
}

// BackendConfig locates the Ollama backend.
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ProfileConfig describes one routable model. Order is preference order.
type ProfileConfig struct {
	ID            string `yaml:"id"`
	ContextWindow int    `yaml:"context_window"`
}

// TokenizerConfig controls the local token counting fallback.
type TokenizerConfig struct {
	Enabled         bool              `yaml:"enabled"`
	DefaultEncoding string            `yaml:"default_encoding"`
	Models          map[string]string `yaml:"models"`
}

// LogConfig selects log verbosity and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:      defaultBaseURL,
			DefaultModel: defaultModel,
			Timeout:      defaultTimeout,
			ProbeTimeout: defaultProbeTimeout,
		},
		Server: ServerConfig{Port: defaultPort},
		Profiles: []ProfileConfig{
			{ID: "llama3", ContextWindow: 8000},
			{ID: "llama3:instruct", ContextWindow: 8192},
		},
		PlannedOutput: defaultPlannedOutput,
		Tokenizer: TokenizerConfig{
			Enabled:         true,
			DefaultEncoding: defaultEncoding,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads YAML configuration from disk over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment. A missing file
// is not an error. Variables already set are not overwritten.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// Resolve builds the effective configuration: defaults or the YAML file at
// configPath, then the .env file at envPath, then environment overrides.
func Resolve(configPath, envPath string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(configPath) != "" {
		loaded, err := Load(configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	if err := LoadEnvFile(envPath); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. OLLAMA_TIMEOUT accepts a Go
// duration or a plain number of seconds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookupNonEmpty(lookup, EnvBaseURL); ok {
		c.Backend.BaseURL = v
	}
	if v, ok := lookupNonEmpty(lookup, EnvModel); ok {
		c.Backend.DefaultModel = v
	}
	if v, ok := lookupNonEmpty(lookup, EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookupNonEmpty(lookup, EnvTimeout); ok {
		timeout, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Backend.Timeout = timeout
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if err := validateBaseURL(c.Backend.BaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.Backend.DefaultModel) == "" {
		return errors.New("backend.default_model must be provided")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout)
	}
	if c.Backend.ProbeTimeout <= 0 {
		return fmt.Errorf("backend.probe_timeout must be positive, got %s", c.Backend.ProbeTimeout)
	}
	if c.Backend.ProbeTimeout > c.Backend.Timeout {
		return fmt.Errorf("backend.probe_timeout %s must not exceed backend.timeout %s", c.Backend.ProbeTimeout, c.Backend.Timeout)
	}

	if c.PlannedOutput < 0 {
		return fmt.Errorf("planned_output_tokens must not be negative, got %d", c.PlannedOutput)
	}

	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("profiles: %w", err)
	}

	if c.Tokenizer.Enabled && strings.TrimSpace(c.Tokenizer.DefaultEncoding) == "" {
		return errors.New("tokenizer.default_encoding must be provided when the tokenizer is enabled")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q must be one of %q or %q", c.Log.Format, "text", "json")
	}
	return nil
}

// Catalog builds the model catalog described by the profile list.
func (c Config) Catalog() (*profile.Catalog, error) {
	profiles := make([]models.ModelProfile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		profiles = append(profiles, models.ModelProfile{
			ID:            strings.TrimSpace(p.ID),
			ContextWindow: p.ContextWindow,
		})
	}
	return profile.NewCatalog(profiles, c.Aliases)
}

func validateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("backend.base_url must be provided")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("backend.base_url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.base_url %q must include a host", raw)
	}
	return nil
}

func lookupNonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}
