package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const configHeader = `# vfsinit configuration file
#
# Environment variables override any value here, e.g.
#   VFSINIT_LOGGING_LEVEL=DEBUG
#   VFSINIT_FEATURES_REMOTE_SERVER=true
#
# Optional subsystems are brought up only when enabled under "features".

`

// InitConfig writes a default configuration file to the default location
// and returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	return InitConfigToPath(GetDefaultConfigPath(), force)
}

// InitConfigToPath writes a default configuration file to path.
func InitConfigToPath(path string, force bool) (string, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := SaveConfig(GetDefaultConfig(), path); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// Render returns cfg as YAML, as written by SaveConfig.
func Render(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
