package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/mcpmacos/mcphost/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcphost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mcphost dev\n", out)
}

func TestLs(t *testing.T) {
	cfg := writeConfig(t, "mail:\n  enabled: true\n  prefix: mail\n")

	t.Run("JSON", func(t *testing.T) {
		out, err := execute(t, "ls", "--config", cfg, "--output", "json")
		require.NoError(t, err)

		var rows []entry
		require.NoError(t, json.Unmarshal([]byte(out), &rows))
		assert.Contains(t, rows, entry{Kind: "tool", ID: "mail_list_accounts", Description: "List the accounts configured in Mail"})
		assert.Contains(t, rows, entry{Kind: "resource", ID: "mail://mail/accounts", Name: "accounts", Description: "Mail accounts, one per line"})
		assert.Contains(t, rows, entry{Kind: "template", ID: "mail://mail/{mailbox}/messages", Name: "mailbox messages", Description: "Latest messages of a mailbox"})
		assert.Equal(t, "prompt", rows[len(rows)-1].Kind)
	})

	t.Run("YAML", func(t *testing.T) {
		out, err := execute(t, "ls", "--config", cfg, "-o", "yaml")
		require.NoError(t, err)

		var rows []entry
		require.NoError(t, yaml.Unmarshal([]byte(out), &rows))
		assert.Len(t, rows, 11)
	})

	t.Run("Table", func(t *testing.T) {
		out, err := execute(t, "ls", "--config", cfg)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		assert.True(t, strings.HasPrefix(lines[0], "KIND"))
		assert.Len(t, lines, 12)
		assert.Contains(t, out, "mail_send_email")
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		_, err := execute(t, "ls", "--config", cfg, "-o", "xml")
		assert.ErrorContains(t, err, "unknown output format")
	})
}

func TestLsInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, "server:\n  transport: carrier-pigeon\n")
	_, err := execute(t, "ls", "--config", cfg)
	assert.ErrorContains(t, err, "invalid server.transport")
}

func TestInstall(t *testing.T) {
	target := filepath.Join(t.TempDir(), "Claude", "claude_desktop_config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte(`{"theme": "dark", "mcpServers": {"other": {"command": "other-server"}}}`), 0o600))

	out, err := execute(t, "install",
		"--client-config", target,
		"--command", "/usr/local/bin/mcphost",
		"--name", "mail",
		"--env", "MCPHOST_LOGGING_LEVEL=debug",
		"--config", "/etc/mcphost.yaml",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Installed mail")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"theme": "dark",
		"mcpServers": {
			"other": {"command": "other-server"},
			"mail": {
				"command": "/usr/local/bin/mcphost",
				"args": ["run", "--config", "/etc/mcphost.yaml"],
				"env": {"MCPHOST_LOGGING_LEVEL": "debug"}
			}
		}
	}`, string(data))
}

func TestInstallCreatesFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "config.json")
	require.NoError(t, installServer(target, "mcphost", serverEntry{Command: "mcphost", Args: []string{"run"}}))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers": {"mcphost": {"command": "mcphost", "args": ["run"]}}}`, string(data))
}

func TestInstallRejectsInvalidJSON(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(target, []byte("{not json"), 0o600))
	assert.ErrorContains(t, installServer(target, "mcphost", serverEntry{Command: "mcphost"}), "not valid JSON")
}

func TestInstallIntoNullFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(target, []byte("null\n"), 0o600))
	require.NoError(t, installServer(target, "mcphost", serverEntry{Command: "mcphost"}))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers": {"mcphost": {"command": "mcphost"}}}`, string(data))
}

func TestInstallRejectsNonObjectServers(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.json")
	original := []byte(`{"mcpServers": 5}`)
	require.NoError(t, os.WriteFile(target, original, 0o600))

	err := installServer(target, "mcphost", serverEntry{Command: "mcphost"})
	assert.ErrorContains(t, err, "mcpServers is not an object")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestLoadConfigDevDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	empty := ""
	cmd := newServeCmd("dev", "", true, &empty)
	cfg, err := loadConfig(cmd, "", true)
	require.NoError(t, err)
	assert.Equal(t, config.TransportHTTP, cfg.Server.Transport)
	assert.Equal(t, "development", cfg.Logging.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)

	cmd = newServeCmd("dev", "", true, &empty)
	require.NoError(t, cmd.ParseFlags([]string{"--transport", "sse", "--address", "127.0.0.1:7000"}))
	cfg, err = loadConfig(cmd, "", true)
	require.NoError(t, err)
	assert.Equal(t, config.TransportSSE, cfg.Server.Transport)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Address)

	cmd = newServeCmd("run", "", false, &empty)
	cfg, err = loadConfig(cmd, "", false)
	require.NoError(t, err)
	assert.Equal(t, config.TransportStdio, cfg.Server.Transport)
	assert.Equal(t, "production", cfg.Logging.Mode)
}

func TestServeLifecycle(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Name:      "mcphost",
			Transport: config.TransportSSE,
			Address:   "127.0.0.1:0",
			PageSize:  50,
		},
		Metrics: config.MetricsConfig{Enabled: true, Address: "127.0.0.1:0", Path: "/metrics"},
	}

	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(
			func() *zap.Logger { return zaptest.NewLogger(t) },
			newObserver,
			newHub,
		),
		fx.Invoke(startServer),
	)
	app.RequireStart()
	app.RequireStop()
}
