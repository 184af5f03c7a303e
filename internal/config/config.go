// Package config provides YAML-based configuration loading for Inkwell.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zulandar/inkwell/internal/command"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendGenAI = "genai"
	BackendSSE   = "sse"
)

// DefaultBaseURL is the collaborator server of a local development setup.
const DefaultBaseURL = "http://localhost:8787/api"

// Storage driver names.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the top-level Inkwell configuration, loaded from inkwell.yaml.
type Config struct {
	Model                 string        `yaml:"model"`
	SystemInstruction     string        `yaml:"system_instruction"`
	SystemInstructionFile string        `yaml:"system_instruction_file"`
	Backend               string        `yaml:"backend"`
	GenAI                 GenAIConfig   `yaml:"genai"`
	Server                ServerConfig  `yaml:"server"`
	Storage               StorageConfig `yaml:"storage"`
	Cache                 CacheConfig   `yaml:"cache"`
	HTTP                  HTTPConfig    `yaml:"http"`
	Log                   LogConfig     `yaml:"log"`
}

// GenAIConfig configures the Gemini API backend. The key itself is read
// from the environment, never from the file.
type GenAIConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	WebSearch *bool  `yaml:"web_search"`
}

// ServerConfig locates the collaborator server (file store, exec, and the
// chat proxy for the sse backend).
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
}

// StorageConfig selects where client state is persisted.
type StorageConfig struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	DSN          string        `yaml:"dsn"`
	SaveDebounce time.Duration `yaml:"save_debounce"`
}

// CacheConfig drives the core-file cache.
type CacheConfig struct {
	RefreshSchedule string   `yaml:"refresh_schedule"`
	CoreFiles       []string `yaml:"core_files"`
}

// HTTPConfig configures the local HTTP API and outbound request timeouts.
type HTTPConfig struct {
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A relative system_instruction_file is resolved against the config
// file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if f := cfg.SystemInstructionFile; f != "" && !filepath.IsAbs(f) {
		cfg.SystemInstructionFile = filepath.Join(filepath.Dir(path), f)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "gemini-2.5-pro"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = DefaultBaseURL
	}
	if c.Backend == "" {
		c.Backend = BackendSSE
	}
	c.Backend = strings.ToLower(c.Backend)
	if c.GenAI.APIKeyEnv == "" {
		c.GenAI.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.GenAI.WebSearch == nil {
		on := true
		c.GenAI.WebSearch = &on
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Path == "" {
		c.Storage.Path = "inkwell.db"
	}
	if c.Storage.SaveDebounce == 0 {
		c.Storage.SaveDebounce = 500 * time.Millisecond
	}
	if c.Cache.RefreshSchedule == "" {
		c.Cache.RefreshSchedule = "*/10 * * * *"
	}
	if len(c.Cache.CoreFiles) == 0 {
		c.Cache.CoreFiles = append([]string(nil), command.CoreFiles...)
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Backend {
	case BackendGenAI, BackendSSE:
	default:
		errs = append(errs, fmt.Sprintf("backend %q must be %s or %s", c.Backend, BackendGenAI, BackendSSE))
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("server.base_url %q must be an http(s) URL", c.Server.BaseURL))
	}
	if c.SystemInstruction != "" && c.SystemInstructionFile != "" {
		errs = append(errs, "system_instruction and system_instruction_file are mutually exclusive")
	}
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverMySQL:
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q must be %s or %s", c.Storage.Driver, DriverSQLite, DriverMySQL))
	}
	if c.Storage.SaveDebounce < 0 {
		errs = append(errs, "storage.save_debounce must not be negative")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port %d is out of range", c.HTTP.Port))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, "http.timeout must not be negative")
	}
	for i, f := range c.Cache.CoreFiles {
		if strings.TrimSpace(f) == "" {
			errs = append(errs, fmt.Sprintf("cache.core_files[%d] is empty", i))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WebSearchEnabled reports whether the Google Search grounding tool is sent.
func (c *Config) WebSearchEnabled() bool {
	return c.GenAI.WebSearch == nil || *c.GenAI.WebSearch
}

// APIKey returns the Gemini API key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.GenAI.APIKeyEnv)
}

// Instruction returns the system instruction, reading the instruction file
// when one is configured.
func (c *Config) Instruction() (string, error) {
	if c.SystemInstructionFile == "" {
		return c.SystemInstruction, nil
	}
	data, err := os.ReadFile(c.SystemInstructionFile)
	if err != nil {
		return "", fmt.Errorf("config: read system instruction: %w", err)
	}
	return string(data), nil
}
