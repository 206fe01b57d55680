package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigDir overrides config discovery.
const EnvConfigDir = "TETHER_CONFIG_DIR"

// DiscoverConfigPath finds the config by checking, in order, $TETHER_CONFIG_DIR,
// ~/.config/tether, /etc/tether and ./config.yaml.
func DiscoverConfigPath() (string, error) {
	return discover(os.Getenv(EnvConfigDir), userConfigDir(), "/etc/tether", FileName)
}

func userConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tether")
}

func discover(candidates ...string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := ResolvePath(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/tether, /etc/tether, ./%s)", EnvConfigDir, FileName)
}
