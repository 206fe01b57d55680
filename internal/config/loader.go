package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside a config directory.
const FileName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml inside a directory.
// Relative paths in the config resolve against the config file's directory.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	if err := verifyLock(absPath); err != nil {
		return nil, err
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	applyDefaults(cfg, filepath.Dir(absPath))
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath returns the absolute config file path for a file or directory argument.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", FileName, absPath)
		}
	}
	return absPath, nil
}

func applyDefaults(cfg *Config, baseDir string) {
	d := Defaults().Agent
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = d.Name
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = d.LogLevel
	}

	cfg.Agent.StatePath = resolve(baseDir, cfg.Agent.StatePath)
	if cfg.Agent.SpoolDir == "" && cfg.Agent.StatePath != "" {
		cfg.Agent.SpoolDir = filepath.Join(filepath.Dir(cfg.Agent.StatePath), "spool")
	}
	cfg.Agent.SpoolDir = resolve(baseDir, cfg.Agent.SpoolDir)
	if cfg.Agent.PIDFile == "" && cfg.Agent.StatePath != "" {
		cfg.Agent.PIDFile = filepath.Join(filepath.Dir(cfg.Agent.StatePath), "tether.pid")
	}
	cfg.Agent.PIDFile = resolve(baseDir, cfg.Agent.PIDFile)

	cfg.ModulesDir = resolve(baseDir, cfg.ModulesDir)
	for i, dir := range cfg.ModulesDirs {
		cfg.ModulesDirs[i] = resolve(baseDir, dir)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and rejected by validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Agent.LogLevel] {
		return fmt.Errorf("agent.log_level must be one of: debug, info, warn, error (got %q)", cfg.Agent.LogLevel)
	}
	if cfg.Agent.StatePath == "" {
		return fmt.Errorf("agent.state_path is required")
	}
	if cfg.ModulesDir == "" && len(cfg.ModulesDirs) == 0 {
		return fmt.Errorf("modules_dir is required")
	}

	intervals := []struct {
		name string
		val  int64
	}{
		{"agent.poll_interval", int64(cfg.Agent.PollInterval)},
		{"agent.purge_interval", int64(cfg.Agent.PurgeInterval)},
		{"agent.unknown_recheck", int64(cfg.Agent.UnknownRecheck)},
	}
	for _, iv := range intervals {
		if iv.val <= 0 {
			return fmt.Errorf("%s must be positive", iv.name)
		}
	}
	if cfg.Agent.Retention < 0 {
		return fmt.Errorf("agent.retention must not be negative")
	}

	if !cfg.API.Enabled {
		return nil
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := checkUnresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}
	if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
		return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
