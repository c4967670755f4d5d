package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Engine struct {
		Workers         int           `yaml:"workers"`
		MaxAttempts     int           `yaml:"max_attempts"`
		InitialBackoff  time.Duration `yaml:"initial_backoff"`
		MaxBackoff      time.Duration `yaml:"max_backoff"`
		CallTimeout     time.Duration `yaml:"call_timeout"`
		ContextCapBytes int           `yaml:"context_cap_bytes"`
	} `yaml:"engine"`
	LLM struct {
		Provider      string  `yaml:"provider"`
		Model         string  `yaml:"model"`
		APIKeyEnv     string  `yaml:"api_key_env"`
		MaxTokens     int     `yaml:"max_tokens"`
		InputPerMTok  float64 `yaml:"input_per_mtok"`
		OutputPerMTok float64 `yaml:"output_per_mtok"`
	} `yaml:"llm"`
	Catalog struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`
}

const fileName = "stageline.yml"

// Path returns the config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Default returns a config with working defaults for a local workspace.
func Default() *Config {
	var c Config
	c.Server.Addr = ":8600"
	c.Server.BasePath = "/v0"
	c.Engine.Workers = 4
	c.Engine.MaxAttempts = 3
	c.Engine.InitialBackoff = 1 * time.Second
	c.Engine.MaxBackoff = 30 * time.Second
	c.Engine.CallTimeout = 120 * time.Second
	c.Engine.ContextCapBytes = 96 * 1024
	c.LLM.Provider = "anthropic"
	c.LLM.Model = "claude-sonnet-4-5"
	c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
	c.LLM.MaxTokens = 8192
	c.LLM.InputPerMTok = 3.0
	c.LLM.OutputPerMTok = 15.0
	return &c
}

// Load reads the workspace config, falling back to defaults when the file is
// missing. Values absent from the file keep their defaults.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive")
	}
	if c.Engine.CallTimeout <= 0 {
		return fmt.Errorf("engine.call_timeout must be positive")
	}
	if c.Engine.ContextCapBytes <= 0 {
		return fmt.Errorf("engine.context_cap_bytes must be positive")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "fake":
	default:
		return fmt.Errorf("llm.provider must be anthropic, openai or fake, got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	return nil
}

// APIKey resolves the provider key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}
