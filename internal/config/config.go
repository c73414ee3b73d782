// Package config loads the server configuration from an optional YAML file.
// Values of the form ${VAR_NAME} are expanded from the environment before parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Model       ModelConfig       `yaml:"model"`
	Search      SearchConfig      `yaml:"search"`
	Store       StoreConfig       `yaml:"store"`
	Agent       AgentConfig       `yaml:"agent"`
	Logging     LoggingConfig     `yaml:"logging"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelConfig selects the chat model. The openai provider speaks to any
// OpenAI-compatible endpoint, Groq included.
type ModelConfig struct {
	Provider     string `yaml:"provider"` // openai or anthropic
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	Stream       bool   `yaml:"stream"`
	// MaxHistoryTokens bounds the replayed history; 0 sends everything.
	MaxHistoryTokens int    `yaml:"max_history_tokens"`
	Encoding         string `yaml:"encoding"`
}

type SearchConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	MaxResults int           `yaml:"max_results"`
	Topic      string        `yaml:"topic"`
	Timeout    time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite
	Path   string `yaml:"path"`
}

type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type DiagnosticsConfig struct {
	Gops bool `yaml:"gops"`
}

// Default returns the configuration used when no file is given. API keys are
// taken from GROQ_API_KEY and TAVILY_API_KEY.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Model: ModelConfig{
			Provider: "openai",
			BaseURL:  "https://api.groq.com/openai/v1",
			APIKey:   os.Getenv("GROQ_API_KEY"),
			Name:     "llama-3.1-8b-instant",
			Stream:   true,
			Encoding: "cl100k_base",
		},
		Search: SearchConfig{
			APIKey:     os.Getenv("TAVILY_API_KEY"),
			BaseURL:    "https://api.tavily.com",
			MaxResults: 4,
			Topic:      "general",
			Timeout:    30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "searchchat.db",
		},
		Agent: AgentConfig{
			MaxIterations: 25,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file at path over the defaults. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("model.provider %q is not supported", c.Model.Provider))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.MaxHistoryTokens < 0 {
		errs = append(errs, errors.New("model.max_history_tokens must not be negative"))
	}
	if c.Search.BaseURL == "" {
		errs = append(errs, errors.New("search.base_url is required"))
	}
	if c.Search.MaxResults <= 0 {
		errs = append(errs, errors.New("search.max_results must be positive"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, errors.New("agent.max_iterations must be positive"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}
	return errors.Join(errs...)
}
