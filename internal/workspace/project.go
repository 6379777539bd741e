package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KiwiDir is the per-repository configuration directory.
	KiwiDir = ".kiwi"
	// projectConfigFile holds per-repository settings.
	projectConfigFile = "config.json"
	// projectRulesFile holds free-form custom instructions appended to the
	// agent's system prompt.
	projectRulesFile = "rules"
)

// ProjectConfig holds per-repository settings that override the user's
// global configuration.
type ProjectConfig struct {
	SandboxMode string `json:"sandbox_mode,omitempty"` // docker, host, auto
	DockerImage string `json:"docker_image,omitempty"`
	TrackingOff bool   `json:"tracking_off,omitempty"` // disable the file watcher
}

func projectConfigPath(workDir string) string {
	return filepath.Join(workDir, KiwiDir, projectConfigFile)
}

// LoadProjectConfig reads the repository's settings. A missing file returns
// nil and no error.
func LoadProjectConfig(workDir string) (*ProjectConfig, error) {
	path := projectConfigPath(workDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}
	var cfg ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse project config: %w", err)
	}
	return &cfg, nil
}

// SaveProjectConfig writes the repository's settings, creating the .kiwi
// directory as needed.
func SaveProjectConfig(workDir string, cfg *ProjectConfig) error {
	if err := os.MkdirAll(filepath.Join(workDir, KiwiDir), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", KiwiDir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project config: %w", err)
	}
	if err := os.WriteFile(projectConfigPath(workDir), data, 0644); err != nil {
		return fmt.Errorf("failed to write project config: %w", err)
	}
	return nil
}

// LoadProjectRules reads the repository's custom agent rules. A missing
// file returns an empty string and no error.
func LoadProjectRules(workDir string) (string, error) {
	path := filepath.Join(workDir, KiwiDir, projectRulesFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read rules file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
