package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"vineguard-gateway/internal/auth"
	"vineguard-gateway/internal/config"
)

const testConfig = `
auth:
  jwt_secret: cli-secret
  users:
    - id: 42
      username: grower
      password_hash: "$2a$04$abcdefghijklmnopqrstuuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
      role: manager
      active: true
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testConfig), 0o600))
	return dir
}

func TestTokenCommand(t *testing.T) {
	dir := writeConfig(t)

	out, err := run(t, "token", "--config", dir, "--user", "42")
	require.NoError(t, err)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	owner, err := auth.NewAuthManager(cfg.Auth, cfg.Simulator.Allotment).Authenticate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, int64(42), owner.ID)
	assert.Equal(t, 20, owner.Allotment)

	_, err = run(t, "token", "--config", dir, "--user", "7")
	assert.ErrorIs(t, err, auth.ErrUnknownOwner)
}

func TestHashPasswordCommand(t *testing.T) {
	out, err := run(t, "hash-password", "cabernet")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("cabernet")))

	_, err = run(t, "hash-password")
	assert.Error(t, err)
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	out, err := run(t, "config", "--config", writeConfig(t))
	require.NoError(t, err)

	assert.Contains(t, out, "username: grower")
	assert.Contains(t, out, "port: 8080")
	assert.NotContains(t, out, "cli-secret")
	assert.NotContains(t, out, "$2a$04$")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "owner_id", 42)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}
