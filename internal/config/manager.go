// Package config manages the user's persistent kiwi settings under the
// platform config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the user's persistent configuration preferences. Environment
// variables override these at startup.
type Config struct {
	LLMProvider string `json:"llm_provider,omitempty"` // anthropic, openai, deepseek, groq, ollama, lmstudio
	APIKey      string `json:"api_key,omitempty"`      // API key for the selected provider
	Model       string `json:"model,omitempty"`        // default model name
	BaseURL     string `json:"base_url,omitempty"`     // optional API base URL override
	SandboxMode string `json:"sandbox_mode,omitempty"` // docker, host, auto
	DockerImage string `json:"docker_image,omitempty"` // optional sandbox image override
}

// Manager handles loading and saving the configuration and owns the layout
// of kiwi's config directory.
type Manager struct {
	configDir string
}

// NewManager creates a manager rooted at the platform user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "kiwi")}, nil
}

// ConfigPath returns the absolute path to the config.json file.
func (m *Manager) ConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// HistoryDBPath returns the path of the task history database.
func (m *Manager) HistoryDBPath() string {
	return filepath.Join(m.configDir, "history.db")
}

// SearchIndexPath returns the path of the task history search index.
func (m *Manager) SearchIndexPath() string {
	return filepath.Join(m.configDir, "history.bleve")
}

// EnsureDirs creates the config directory tree.
func (m *Manager) EnsureDirs() error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return nil
}

// Load reads the configuration from disk. A missing file returns an empty
// Config and no error.
func (m *Manager) Load() (*Config, error) {
	path := m.ConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to disk with restricted permissions, the
// file can hold an API key.
func (m *Manager) Save(cfg *Config) error {
	if err := m.EnsureDirs(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.ConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.ConfigPath())
	return !os.IsNotExist(err)
}

// ApplyEnv copies saved settings into the process environment for any
// variable the user has not already set, so the env-driven factories see one
// consistent view.
func (c *Config) ApplyEnv() {
	setIfEmpty := func(key, val string) {
		if val != "" && os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	setIfEmpty("LLM_PROVIDER", c.LLMProvider)
	setIfEmpty("KIWI_SANDBOX_MODE", c.SandboxMode)
	setIfEmpty("KIWI_DOCKER_IMAGE", c.DockerImage)
	if c.APIKey != "" {
		switch c.LLMProvider {
		case "", "anthropic":
			setIfEmpty("ANTHROPIC_API_KEY", c.APIKey)
		case "openai":
			setIfEmpty("OPENAI_API_KEY", c.APIKey)
		case "deepseek":
			setIfEmpty("DEEPSEEK_API_KEY", c.APIKey)
		case "groq":
			setIfEmpty("GROQ_API_KEY", c.APIKey)
		}
	}
	provider := c.LLMProvider
	if provider == "" {
		provider = "anthropic"
	}
	switch provider {
	case "anthropic":
		setIfEmpty("ANTHROPIC_MODEL", c.Model)
	case "openai":
		setIfEmpty("OPENAI_MODEL", c.Model)
		setIfEmpty("OPENAI_BASE_URL", c.BaseURL)
	case "deepseek":
		setIfEmpty("DEEPSEEK_MODEL", c.Model)
		setIfEmpty("DEEPSEEK_BASE_URL", c.BaseURL)
	case "groq":
		setIfEmpty("GROQ_MODEL", c.Model)
		setIfEmpty("GROQ_BASE_URL", c.BaseURL)
	case "ollama":
		setIfEmpty("OLLAMA_MODEL", c.Model)
		setIfEmpty("OLLAMA_BASE_URL", c.BaseURL)
	case "lmstudio":
		setIfEmpty("LMSTUDIO_MODEL", c.Model)
		setIfEmpty("LMSTUDIO_BASE_URL", c.BaseURL)
	}
}
