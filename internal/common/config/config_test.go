package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8315, cfg.Server.Port)
	assert.True(t, cfg.Docker.Enabled)
	assert.Equal(t, 13337, cfg.Docker.EditorPort)
	assert.True(t, cfg.Worktree.Enabled)
	assert.Equal(t, "main", cfg.Worktree.DefaultBranch)
	assert.Equal(t, "~/.companion", cfg.StateDir)
	assert.Equal(t, 3000, cfg.Timeouts.PluginMs)
	assert.Equal(t, 300000, cfg.Timeouts.ImagePullWaitMs)
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfigFile(t, `
server:
  port: 9100
docker:
  enabled: false
worktree:
  branchPrefix: "dev/"
environments:
  node:
    image: node:22
    ports: [3000]
    initScript: npm ci
    env:
      NODE_ENV: development
`)
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.False(t, cfg.Docker.Enabled)
	assert.Equal(t, "dev/", cfg.Worktree.BranchPrefix)

	profile, ok := cfg.Environments["node"]
	require.True(t, ok)
	assert.Equal(t, "node:22", profile.Image)
	assert.Equal(t, []int{3000}, profile.Ports)
	assert.Equal(t, "npm ci", profile.InitScript)
	assert.Equal(t, "development", profile.Env["NODE_ENV"])
}

func TestEnvOverridesFile(t *testing.T) {
	dir := writeConfigFile(t, "server:\n  port: 9100\n")
	t.Setenv("COMPANION_SERVER_PORT", "9200")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}

func TestValidationRejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"port out of range": "server:\n  port: 70000\n",
		"bad log level":     "logging:\n  level: chatty\n",
		"bad log format":    "logging:\n  format: xml\n",
		"bad profile port":  "environments:\n  web:\n    image: nginx\n    ports: [0]\n",
		"empty state dir":   "stateDir: \"\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := writeConfigFile(t, content)
			_, err := LoadWithPath(dir)
			assert.Error(t, err)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "30s", cfg.Server.ReadTimeoutDuration().String())
	assert.Equal(t, "3s", cfg.Timeouts.PluginTimeout().String())
	assert.Equal(t, "5m0s", cfg.Timeouts.ImagePullWait().String())
	assert.Equal(t, "2m0s", cfg.Timeouts.InitScriptTimeout().String())
}

func TestStateFilePath(t *testing.T) {
	cfg := &Config{StateDir: t.TempDir()}
	path, err := cfg.StateFile("sessions.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.StateDir, "sessions.json"), path)
}
