// ABOUTME: Tests for CLI helpers: config path resolution, logging, health probe and tokens
// ABOUTME: Colors are disabled so output can be compared as plain text

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/store"
)

func init() {
	color.NoColor = true
}

func TestGetConfigPath(t *testing.T) {
	configPath = ""
	t.Cleanup(func() { configPath = "" })

	t.Setenv("TOOLGATE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "toolgate", "config.yaml"), getConfigPath())

	t.Setenv("TOOLGATE_CONFIG", "/etc/toolgate.toml")
	assert.Equal(t, "/etc/toolgate.toml", getConfigPath())

	configPath = "./local.yaml"
	assert.Equal(t, "./local.yaml", getConfigPath())
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.With("component", "scheduler").WithGroup("loop").Warn("run failed", "name", "health")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN run failed")
	assert.Contains(t, out, " component=scheduler")
	assert.Contains(t, out, " loop.name=health")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("probe", "server_id", "s1")

	assert.Contains(t, buf.String(), `"msg":"probe"`)
	assert.Contains(t, buf.String(), `"server_id":"s1"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestRunHealth(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/ready", r.URL.Path)
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		_, _ = w.Write([]byte("ready (2 servers started)\n"))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	var out bytes.Buffer
	err := runHealth(context.Background(), &out, addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503: starting")

	ready.Store(true)
	require.NoError(t, runHealth(context.Background(), &out, addr))
	assert.Equal(t, "ready (2 servers started)\n", out.String())
}

func TestMintToken(t *testing.T) {
	p := &auth.Principal{ID: "ops-bot", Type: "service", Roles: []string{"analyst"}}

	token, err := mintToken("s3cret", p, time.Hour)
	require.NoError(t, err)

	got, err := auth.NewJWTVerifier([]byte("s3cret")).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = mintToken("", p, time.Hour)
	assert.ErrorContains(t, err, "token_secret")
	_, err = mintToken("s3cret", &auth.Principal{ID: " "}, time.Hour)
	assert.ErrorContains(t, err, "subject")
	_, err = mintToken("s3cret", p, 0)
	assert.ErrorContains(t, err, "ttl")
}

func TestPrintServers(t *testing.T) {
	var out bytes.Buffer
	printServers(&out, nil)
	assert.Contains(t, out.String(), "No servers registered")

	out.Reset()
	printServers(&out, []*store.ToolServer{{
		ID:                  "srv-1",
		Name:                "weather",
		Transport:           store.TransportSSE,
		Status:              store.StatusEnabled,
		HealthStatus:        "healthy",
		ConsecutiveFailures: 1,
		MaxFailures:         3,
	}})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"srv-1", "weather", "sse", "enabled", "healthy", "1/3"}, strings.Fields(lines[2]))
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := buildRootCmd()
	for _, name := range []string{"serve", "health", "servers", "export", "import", "token"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
