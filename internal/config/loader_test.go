package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `
agent:
  state_path: ./data/tether.db
modules_dir: ./modules
api:
  enabled: true
  auth:
    api_key: secret
`

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimal)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tether", cfg.Agent.Name)
	assert.Equal(t, "info", cfg.Agent.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.PollInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Agent.Retention)
	assert.Equal(t, filepath.Join(dir, "data", "tether.db"), cfg.Agent.StatePath)
	assert.Equal(t, filepath.Join(dir, "data", "spool"), cfg.Agent.SpoolDir)
	assert.Equal(t, filepath.Join(dir, "data", "tether.pid"), cfg.Agent.PIDFile)
	assert.Equal(t, filepath.Join(dir, "modules"), cfg.ModulesDir)
	assert.Equal(t, "127.0.0.1:8088", cfg.API.Listen)
	assert.Equal(t, path, cfg.SourcePath)
}

func TestLoadAcceptsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimal)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), cfg.SourcePath)
}

func TestLoadParsesDurationsAndRoots(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
agent:
  log_level: debug
  state_path: /var/lib/tether/state.db
  spool_dir: /var/spool/tether
  poll_interval: 100ms
  retention: 24h
  purge_interval: 10m
  unknown_recheck: 30s
modules_dir: /opt/modules
modules_dirs: [extra]
api:
  enabled: false
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Agent.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Agent.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Agent.PurgeInterval)
	assert.Equal(t, 30*time.Second, cfg.Agent.UnknownRecheck)
	assert.Equal(t, "/var/spool/tether", cfg.Agent.SpoolDir)
	assert.Equal(t, []string{"/opt/modules", filepath.Join(dir, "extra")}, cfg.ModuleRoots())
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("TETHER_TEST_KEY", "from-env")
	dir := t.TempDir()
	writeConfig(t, dir, strings.Replace(minimal, "secret", "${TETHER_TEST_KEY}", 1))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.API.Auth.APIKey)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad log level",
			body:    "agent: {log_level: loud, state_path: x.db}\nmodules_dir: m\napi: {enabled: false}\n",
			wantErr: "agent.log_level",
		},
		{
			name:    "zero poll interval",
			body:    "agent: {state_path: x.db, poll_interval: 0s}\nmodules_dir: m\napi: {enabled: false}\n",
			wantErr: "agent.poll_interval must be positive",
		},
		{
			name:    "unset env in api key",
			body:    "agent: {state_path: x.db}\nmodules_dir: m\napi: {enabled: true, auth: {api_key: '${TETHER_SURELY_UNSET_VAR}'}}\n",
			wantErr: "${TETHER_SURELY_UNSET_VAR} is not set",
		},
		{
			name:    "token without scopes",
			body:    "agent: {state_path: x.db}\nmodules_dir: m\napi: {enabled: true, auth: {tokens: [{token: abc}]}}\n",
			wantErr: "scopes must be non-empty",
		},
		{
			name:    "api without credentials",
			body:    "agent: {state_path: x.db}\nmodules_dir: m\napi: {enabled: true}\n",
			wantErr: "api_key or tokens required",
		},
		{
			name:    "unknown field",
			body:    "agent: {state_path: x.db}\nmodules_dir: m\nplugins_dir: p\napi: {enabled: false}\n",
			wantErr: "plugins_dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	_, err = Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml not found")
}

func TestGetPath(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimal)
	cfg, err := Load(dir)
	require.NoError(t, err)

	v, err := cfg.GetPath("agent.name")
	require.NoError(t, err)
	assert.Equal(t, "tether", v)

	v, err = cfg.GetPath("api.enabled")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = cfg.GetPath("api.auth.api_key")
	require.NoError(t, err)
	assert.Equal(t, redactedValue, v, "secrets are never shown")

	_, err = cfg.GetPath("agent.missing")
	assert.Error(t, err)
	_, err = cfg.GetPath("agent.name.deeper")
	assert.Error(t, err)
}

func TestGetPathIndexesLists(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
agent:
  state_path: ./data/tether.db
modules_dir: ./modules
api:
  enabled: true
  auth:
    tokens:
      - token: sekrit
        scopes: ["transactions:ro", "events:ro"]
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	v, err := cfg.GetPath("api.auth.tokens.0.scopes.1")
	require.NoError(t, err)
	assert.Equal(t, "events:ro", v)

	v, err = cfg.GetPath("api.auth.tokens.0.token")
	require.NoError(t, err)
	assert.Equal(t, redactedValue, v)
	assert.Equal(t, "sekrit", cfg.API.Auth.Tokens[0].Token, "redaction works on a copy")

	_, err = cfg.GetPath("api.auth.tokens.3")
	assert.Error(t, err)
}
