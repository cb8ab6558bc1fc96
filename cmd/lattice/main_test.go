package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/demo"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/testutils"
)

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := readConfig(filepath.Join(dir, "missing.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	_, err = readConfig(filepath.Join(dir, "missing.yaml"), true)
	assert.Error(t, err)

	path := testutils.WriteFile(t, dir, "lattice.yaml", `
addr: ":9090"
templates: ./tpl
log_level: debug
redis:
  addr: localhost:6379
`)
	cfg, err = readConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "./tpl", cfg.Templates)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "lattice", cfg.Redis.Prefix, "unset keys keep their default")

	empty := testutils.WriteFile(t, dir, "empty.yaml", "")
	cfg, err = readConfig(empty, true)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	unknown := testutils.WriteFile(t, dir, "unknown.yaml", "port: 80\n")
	_, err = readConfig(unknown, true)
	assert.Error(t, err)
}

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", defaultConfigFile, "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().String("addr", ":8080", "")
	cmd.Flags().String("templates", "", "")
	cmd.Flags().String("redis-addr", "", "")
	cmd.Flags().String("redis-prefix", "lattice", "")
	return cmd
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	path := testutils.WriteFile(t, t.TempDir(), "lattice.yaml", "addr: \":9090\"\nlog_level: warn\n")

	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--addr", ":7070", "--redis-prefix", "x"}))
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "x", cfg.Redis.Prefix)

	cmd = newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--log-level", "loud"}))
	_, err = loadConfig(cmd)
	assert.ErrorContains(t, err, "invalid log level")
}

func TestPrintFrames(t *testing.T) {
	frames, err := demo.Script(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printFrames(&buf, frames, "html", termenv.Ascii))
	out := buf.String()
	assert.Contains(t, out, "step 1: mount")
	assert.Contains(t, out, "step 5: clear completed")
	assert.Contains(t, out, "    <h1>\n")
	assert.NotContains(t, out, "\x1b[")

	buf.Reset()
	require.NoError(t, printFrames(&buf, frames, "mermaid", termenv.Ascii))
	assert.Contains(t, buf.String(), "graph TD")

	assert.Error(t, printFrames(&buf, frames, "svg", termenv.Ascii))
}

func TestNewServer_Memory(t *testing.T) {
	handler, closeFn, err := newServer(context.Background(), defaultConfig(), logging.NewNop())
	require.NoError(t, err)
	defer closeFn()

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sessions/s1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sessions/s1/snapshot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `lattice_resyncs_total{reason="snapshot"} 1`)
	assert.Contains(t, body.String(), "go_goroutines")
}

func TestNewServer_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := defaultConfig()
	cfg.Redis.Addr = mr.Addr()

	handler, closeFn, err := newServer(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	defer closeFn()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/s1", nil))
	assert.Equal(t, http.StatusCreated, w.Code)

	mr.Close()
	cfg.Redis.Addr = mr.Addr()
	_, _, err = newServer(context.Background(), cfg, logging.NewNop())
	assert.ErrorContains(t, err, "failed to reach redis")
}

func TestNewServer_BadTemplates(t *testing.T) {
	dir := testutils.SetupTemplateDir(t, map[string]string{"bad.yaml": "id: 9\n"})
	cfg := defaultConfig()
	cfg.Templates = dir
	_, _, err := newServer(context.Background(), cfg, logging.NewNop())
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	dir := testutils.SetupTemplateDir(t, map[string]string{"item.yaml": "id: 3\ntag: li\nmodel: [title]\n"})

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"version", []string{"version"}, "lattice version " + lattice.Version},
		{"templates validate", []string{"templates", "validate", dir}, "1 templates in " + dir + " are valid"},
		{"demo", []string{"demo", "--no-color", "--item", "walk the dog"}, "walk the dog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			rootCmd.SetOut(&buf)
			rootCmd.SetArgs(tt.args)
			require.NoError(t, rootCmd.Execute())
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
