package config

import "time"

// Config is the complete tether agent configuration.
type Config struct {
	Agent       AgentConfig `yaml:"agent"`
	API         APIConfig   `yaml:"api,omitempty"`
	ModulesDir  string      `yaml:"modules_dir"`
	ModulesDirs []string    `yaml:"modules_dirs,omitempty"`

	// SourcePath is the absolute path of the loaded config.yaml.
	SourcePath string `yaml:"-"`
}

// AgentConfig defines core agent settings.
type AgentConfig struct {
	Name           string        `yaml:"name"`
	LogLevel       string        `yaml:"log_level"`
	StatePath      string        `yaml:"state_path"`
	SpoolDir       string        `yaml:"spool_dir"`
	PIDFile        string        `yaml:"pid_file"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Retention      time.Duration `yaml:"retention"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`
	UnknownRecheck time.Duration `yaml:"unknown_recheck"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ModuleRoots returns modules_dir followed by modules_dirs, without empties.
func (c *Config) ModuleRoots() []string {
	roots := make([]string, 0, 1+len(c.ModulesDirs))
	if c.ModulesDir != "" {
		roots = append(roots, c.ModulesDir)
	}
	for _, d := range c.ModulesDirs {
		if d != "" {
			roots = append(roots, d)
		}
	}
	return roots
}

// Defaults returns a Config with the agent's default settings.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:           "tether",
			LogLevel:       "info",
			StatePath:      "./data/tether.db",
			PIDFile:        "./data/tether.pid",
			PollInterval:   250 * time.Millisecond,
			Retention:      7 * 24 * time.Hour,
			PurgeInterval:  time.Hour,
			UnknownRecheck: time.Minute,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8088",
		},
		ModulesDir: "./modules",
	}
}
