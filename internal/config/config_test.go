package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	settings, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "info", settings.Logging.Level)
	assert.Equal(t, "sqlite", settings.Database.Provider)
	assert.Equal(t, 50001, settings.Server.Port)
	assert.Equal(t, "fixed", settings.Autoscale.Policy)
}

func TestLoadLocalFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hypershell.yml")
	content := "server:\n  port: 60000\nlogging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 60000, settings.Server.Port)
	assert.Equal(t, "debug", settings.Logging.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hypershell.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 60000\n"), 0o644))

	t.Setenv("HYPERSHELL_SERVER_PORT", "7777")

	settings, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 7777, settings.Server.Port)
}

func TestResolveEnvSuffix(t *testing.T) {
	t.Setenv("HS_SECRET", "swordfish")
	settings := Defaults()
	settings.Server.Auth = "HS_SECRET_env"

	require.NoError(t, resolveSuffixes(&settings))
	assert.Equal(t, "swordfish", settings.Server.Auth)
}

func TestResolveEvalSuffix(t *testing.T) {
	settings := Defaults()
	settings.Server.Auth = "echo hunter2_eval"

	require.NoError(t, resolveSuffixes(&settings))
	assert.Equal(t, "hunter2", settings.Server.Auth)
}

func TestInvalidPolicyFailsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hypershell.yml")
	require.NoError(t, os.WriteFile(path, []byte("autoscale:\n  policy: bogus\n"), 0o644))

	_, err := Load(path, nil)
	assert.Error(t, err)
}
