package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/config"
	"github.com/warp/relief-engine/sla"
)

func TestSweepCommand_MemoryStore(t *testing.T) {
	t.Setenv("AUDIT_SINK", "none")
	t.Setenv("LOG_LEVEL", "silent")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sla-sweep", "--driver", "memory"})

	require.NoError(t, cmd.Execute())

	var res sla.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, sla.Result{}, res)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "sqlite")

	opts := &rootOptions{port: 9100, driver: "memory", dbPath: "/tmp/x.db"}
	cfg, err := opts.load()

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
}

func TestFlagsAreValidated(t *testing.T) {
	opts := &rootOptions{driver: "mongo"}
	_, err := opts.load()
	assert.Error(t, err)
}

func TestNewApp_WiresMemoryBackend(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("AUDIT_SINK", "log")
	t.Setenv("SLA_ENABLED", "false")
	t.Setenv("SLA_CHECK_INTERVAL", "1m")
	cfg, err := config.Parse()
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, memoryBackend{}, a.backend)
	assert.False(t, a.scheduler.Enabled)
	assert.Equal(t, cfg.SLA.CheckInterval, a.scheduler.CheckInterval)
	assert.IsType(t, &audit.LogSink{}, a.service.Manager.Audit)
}

func TestNewApp_BadCategoryMap(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("CATEGORY_MAP_PATH", "/nonexistent/categories.yaml")
	cfg, err := config.Parse()
	require.NoError(t, err)

	_, err = newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "category map")
}
