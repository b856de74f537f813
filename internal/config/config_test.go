package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// isolate points HOME and the XDG dirs at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME", "XDG_STATE_HOME"} {
		t.Setenv(k, "")
	}
	for _, k := range []string{
		"GATEKEEPER_CONFIG", "GATEKEEPER_CONFIG_CONTENT", "GATEKEEPER_MODEL", "GATEKEEPER_LOG_LEVEL",
		"GATEKEEPER_STORAGE", "GATEKEEPER_STORAGE_PATH", "GATEKEEPER_HOSTNAME", "GATEKEEPER_PORT",
		"GATEKEEPER_PERMISSION", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "ARK_API_KEY",
	} {
		t.Setenv(k, "")
	}
	return home
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoad_JSONCProjectConfig(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	write(t, filepath.Join(dir, "gatekeeper.jsonc"), `{
		// default continuation model
		"model": "anthropic/claude-sonnet-4",
		"provider": {
			"anthropic": {"options": {"apiKey": "sk-ant-test"}}
		},
		"storage": {"backend": "sqlite", "path": "/var/lib/gk.db"},
		/* resume tuning */
		"resume": {"toolReadyInterval": 50, "toolReadyTimeout": 1000},
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4", cfg.Model)
	assert.Equal(t, "sk-ant-test", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 50, cfg.Resume.ToolReadyInterval)
	assert.Equal(t, 1000, cfg.Resume.ToolReadyTimeout)
}

func TestLoad_YAMLConfig(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	t.Setenv("FS_TOKEN", "tok")

	write(t, filepath.Join(dir, ".gatekeeper", "gatekeeper.yaml"), `
model: openai/gpt-4o
mcp:
  fs:
    type: remote
    url: http://localhost:9000/mcp
    headers:
      Authorization: "Bearer {env:FS_TOKEN}"
    timeout: 2500
permission:
  allow:
    "fs:read":
      - /tmp/**
server:
  port: 5000
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", cfg.Model)
	fs := cfg.MCP["fs"]
	assert.Equal(t, "remote", fs.Type)
	assert.Equal(t, "Bearer tok", fs.Headers["Authorization"])
	assert.Equal(t, 2500, fs.Timeout)
	assert.Equal(t, []string{"/tmp/**"}, cfg.Permission.Allow["fs:read"])
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoad_FileInterpolation(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	write(t, filepath.Join(dir, "key.txt"), "line \"one\"\n")
	write(t, filepath.Join(dir, "gatekeeper.json"), `{"provider":{"openai":{"apiKey":"{file:key.txt}"}}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, `line "one"`, cfg.Provider["openai"].APIKey)
}

func TestLoad_MergeOrder(t *testing.T) {
	home := isolate(t)
	dir := t.TempDir()

	write(t, filepath.Join(home, ".config", "gatekeeper", "gatekeeper.json"), `{
		"model": "global/model",
		"provider": {"anthropic": {"apiKey": "global-key"}},
		"permission": {"allow": {"fs:read": ["/global/**"]}}
	}`)
	write(t, filepath.Join(dir, "gatekeeper.json"), `{
		"model": "project/model",
		"provider": {"openai": {"apiKey": "project-key"}},
		"permission": {"allow": {"fs:write": ["/project/**"]}}
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "project/model", cfg.Model)
	assert.Equal(t, "global-key", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "project-key", cfg.Provider["openai"].APIKey)
	assert.Len(t, cfg.Permission.Allow, 2)
}

func TestLoad_ConfigEnvSources(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	custom := filepath.Join(t.TempDir(), "custom.json")
	write(t, custom, `{"model": "file/model", "log": {"level": "warn"}}`)
	t.Setenv("GATEKEEPER_CONFIG", custom)
	t.Setenv("GATEKEEPER_CONFIG_CONTENT", `{"model": "inline/model"}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "inline/model", cfg.Model)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	write(t, filepath.Join(dir, "gatekeeper.json"), `{"provider": {"anthropic": {"apiKey": "from-file"}}}`)
	t.Setenv("GATEKEEPER_MODEL", "env/model")
	t.Setenv("GATEKEEPER_LOG_LEVEL", "debug")
	t.Setenv("GATEKEEPER_STORAGE", "sqlite")
	t.Setenv("GATEKEEPER_PORT", "7000")
	t.Setenv("GATEKEEPER_HOSTNAME", "0.0.0.0")
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "openai-env")
	t.Setenv("GATEKEEPER_PERMISSION", `{"approvalsFile": "/etc/gk/approvals.json"}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "env/model", cfg.Model)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Hostname)
	assert.Equal(t, "from-file", cfg.Provider["anthropic"].APIKey, "file keys win over env keys")
	assert.Equal(t, "openai-env", cfg.Provider["openai"].APIKey)
	assert.Equal(t, "/etc/gk/approvals.json", cfg.Permission.ApprovalsFile)
}

func TestLoad_DotEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	t.Setenv("GK_TEST_KEEP", "already-set")
	t.Setenv("GK_TEST_DOTENV", "")
	os.Unsetenv("GK_TEST_DOTENV")

	write(t, filepath.Join(dir, ".env"), "GK_TEST_DOTENV=from-dotenv\nGK_TEST_KEEP=overridden\n")
	write(t, filepath.Join(dir, "gatekeeper.json"), `{"model": "{env:GK_TEST_DOTENV}"}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Model)
	assert.Equal(t, "already-set", os.Getenv("GK_TEST_KEEP"))
}

func TestLoad_InvalidFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	write(t, filepath.Join(dir, "gatekeeper.json"), `{"model": `)

	_, err := Load(dir)
	assert.ErrorContains(t, err, "gatekeeper.json")
}

func TestApplyDefaults(t *testing.T) {
	home := isolate(t)

	cfg := &types.Config{}
	ApplyDefaults(cfg)
	assert.Equal(t, DefaultStorageBackend, cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, ".local", "share", "gatekeeper", "storage"), cfg.Storage.Path)
	assert.Equal(t, DefaultHostname, cfg.Server.Hostname)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, DefaultToolReadyInterval, cfg.Resume.ToolReadyInterval)
	assert.Equal(t, DefaultToolReadyTimeout, cfg.Resume.ToolReadyTimeout)
	assert.Equal(t, DefaultMaxSteps, cfg.Resume.MaxSteps)
	assert.Equal(t, filepath.Join(home, ".config", "gatekeeper", "approvals.json"), cfg.Permission.ApprovalsFile)

	cfg = &types.Config{Storage: &types.StorageConfig{Backend: "sqlite"}, Resume: &types.ResumeConfig{MaxSteps: 3}}
	ApplyDefaults(cfg)
	assert.Equal(t, filepath.Join(home, ".local", "share", "gatekeeper", "gatekeeper.db"), cfg.Storage.Path)
	assert.Equal(t, 3, cfg.Resume.MaxSteps)
}

func TestSave(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "gatekeeper.json")

	require.NoError(t, Save(&types.Config{Model: "saved/model"}, path))

	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "saved/model", cfg.Model)
}

func TestGetPaths(t *testing.T) {
	isolate(t)
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	p := GetPaths()
	assert.Equal(t, "/xdg/data/gatekeeper", p.Data)
	assert.Equal(t, "/xdg/data/gatekeeper/storage", p.StoragePath())
}
