// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/brokerish/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigPrintDefaults(t *testing.T) {
	out, err := execute(t, "config", "print")
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, *config.Default(), got)
}

func TestConfigPrintWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerish.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:\n  outbox_size: 32\n"), 0o600))

	out, err := execute(t, "--config", path, "--log-level", "debug", "config", "print")
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 32, got.Broker.OutboxSize)
	assert.Equal(t, "debug", got.Log.Level)
}

func TestInvalidLogLevelFlag(t *testing.T) {
	_, err := execute(t, "--log-level", "chatty", "config", "print")
	assert.ErrorContains(t, err, "log.level")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "brokerish dev")
}

func TestNewLogger(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "info", want: slog.LevelInfo},
		{level: "warn", want: slog.LevelWarn},
		{level: "error", want: slog.LevelError},
	}

	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			l := newLogger(io.Discard, config.LogConfig{Level: tc.level, Format: "json"})
			assert.True(t, l.Enabled(context.Background(), tc.want))
			assert.False(t, l.Enabled(context.Background(), tc.want-1))
		})
	}

	var buf bytes.Buffer
	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestInstanceID(t *testing.T) {
	id, err := instanceID(config.TelemetryConfig{InstanceID: "node-1"})
	require.NoError(t, err)
	assert.Equal(t, "node-1", id)

	a, err := instanceID(config.TelemetryConfig{})
	require.NoError(t, err)
	b, err := instanceID(config.TelemetryConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "auto-")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.TCPAddr = "127.0.0.1:0"
	cfg.Server.WSEnabled = true
	cfg.Server.WSAddr = "127.0.0.1:0"
	cfg.Server.HealthAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Server.RateLimit.Enabled = true
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
