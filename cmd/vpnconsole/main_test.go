package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/types"
)

type cliHarness struct {
	app        *app
	configPath string
	dataDir    string
	base       []string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	return &cliHarness{
		app:        &app{memory: api.NewMemoryStore()},
		configPath: configPath,
		dataDir:    dir,
		base:       []string{"--demo", "--config", configPath, "--data-dir", dir, "--log-level", "error"},
	}
}

func (h *cliHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return h.runContext(t, context.Background(), args...)
}

func (h *cliHarness) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmdFor(h.app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, h.base...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func decode(t *testing.T, out string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func TestServersCommand(t *testing.T) {
	h := newCLIHarness(t)

	out, err := h.run(t, "servers")
	require.NoError(t, err)
	result := decode(t, out)
	assert.EqualValues(t, 6, result["total"])

	out, err = h.run(t, "servers", "--status", "online", "--sort", "load")
	require.NoError(t, err)
	servers := decode(t, out)["servers"].([]interface{})
	require.NotEmpty(t, servers)
	assert.Equal(t, "us-east", servers[0].(map[string]interface{})["id"])

	_, err = h.run(t, "servers", "--sort", "price")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestConnectThenStatus(t *testing.T) {
	h := newCLIHarness(t)

	out, err := h.run(t, "connect", "de-berlin")
	require.NoError(t, err)
	assert.Equal(t, "connected", decode(t, out)["state"])

	// A new invocation restores the session from the backend
	out, err = h.run(t, "status")
	require.NoError(t, err)
	status := decode(t, out)
	assert.Equal(t, "connected", status["state"])
	assert.Equal(t, "de-berlin", status["connection"].(map[string]interface{})["server_id"])

	out, err = h.run(t, "disconnect")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", decode(t, out)["state"])

	out, err = h.run(t, "history", "--sort", "duration")
	require.NoError(t, err)
	summary := decode(t, out)["summary"].(map[string]interface{})
	assert.EqualValues(t, 1, summary["count"])
}

func TestConnectUnavailableServer(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run(t, "connect", "jp-tokyo")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrServerUnavailable)
	assert.Equal(t, 1, exitCode(err))
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run(t, "admin", "stats")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrForbidden)
	assert.Equal(t, 3, exitCode(err))

	out, err := h.run(t, "admin", "stats", "--token", api.DemoAdminToken)
	require.NoError(t, err)
	assert.Contains(t, out, "total_servers")
}

func TestAdminServerLifecycle(t *testing.T) {
	h := newCLIHarness(t)
	admin := []string{"--token", api.DemoAdminToken}

	out, err := h.run(t, append([]string{"admin", "create-server",
		"--name", "Canada (Toronto)", "--country", "Canada", "--city", "Toronto",
		"--ip", "203.0.113.77", "--max-connections", "500"}, admin...)...)
	require.NoError(t, err)
	created := decode(t, out)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id, out)
	assert.Equal(t, "offline", created["status"])

	_, err = h.run(t, append([]string{"admin", "delete-server", id}, admin...)...)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	out, err = h.run(t, append([]string{"admin", "delete-server", id, "--yes"}, admin...)...)
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, out)["deleted"])
}

func TestLoginWhoamiLogout(t *testing.T) {
	h := newCLIHarness(t)

	out, err := h.run(t, "login", api.DemoAdminToken)
	require.NoError(t, err)
	assert.Contains(t, out, "admin@example.com")

	cfg, err := config.LoadFromFile(h.configPath)
	require.NoError(t, err)
	assert.Equal(t, api.DemoAdminToken, cfg.SessionToken)

	out, err = h.run(t, "whoami")
	require.NoError(t, err)
	assert.Equal(t, "admin", decode(t, out)["role"])

	_, err = h.run(t, "logout")
	require.NoError(t, err)
	cfg, err = config.LoadFromFile(h.configPath)
	require.NoError(t, err)
	assert.Empty(t, cfg.SessionToken)
}

func TestLoginRejectsUnknownToken(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run(t, "login", "forged")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	cfg, err := config.LoadFromFile(h.configPath)
	require.NoError(t, err)
	assert.Empty(t, cfg.SessionToken)
}

func TestCacheStats(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run(t, "servers")
	require.NoError(t, err)

	out, err := h.run(t, "cache", "stats")
	require.NoError(t, err)
	stats := decode(t, out)
	assert.Equal(t, h.dataDir, stats["data_dir"])
	assert.Contains(t, stats, "servers")
	assert.Contains(t, stats, "schema_version")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 2, exitCode(types.NewError(types.KindValidation, "bad")))
	assert.Equal(t, 3, exitCode(types.NewError(types.KindUnauthenticated, "expired")))
	assert.Equal(t, 3, exitCode(types.NewError(types.KindForbidden, "admin only")))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestWatchStopsOnCancel(t *testing.T) {
	h := newCLIHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := h.runContext(t, ctx, "watch", "--simulate", "10ms")
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(h.dataDir, "watch.pid"))
	assert.True(t, os.IsNotExist(statErr), "the process lock is released on shutdown")
}

func TestDemoServerStopsOnCancel(t *testing.T) {
	h := newCLIHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := h.runContext(t, ctx, "demo-server", "--listen", "127.0.0.1:0", "--simulate", "10ms", "--seed", "7")
	require.NoError(t, err)
}
