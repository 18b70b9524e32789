package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/procflow/process"
	"github.com/dshills/procflow/process/emit"
	"github.com/dshills/procflow/process/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "null", cfg.Emitter.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Zero(t, cfg.Engine.MaxSteps)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  type: sqlite
  path: /tmp/flows.db
emitter:
  type: json
engine:
  max_steps: 500
  map_parallelism: 4
`)
	t.Setenv("PROCFLOW_ENGINE_MAX_STEPS", "42")
	t.Setenv("PROCFLOW_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/flows.db", cfg.Store.Path)
	assert.Equal(t, "json", cfg.Emitter.Type)
	assert.Equal(t, 42, cfg.Engine.MaxSteps, "environment overrides the file")
	assert.Equal(t, 4, cfg.Engine.MapParallelism)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{name: "store type", body: "store: {type: etcd}", errMsg: "unknown store.type"},
		{name: "missing dsn", body: "store: {type: postgres}", errMsg: "store.dsn is required"},
		{name: "ttl", body: "store: {type: redis, ttl: soon}", errMsg: "invalid store.ttl"},
		{name: "emitter", body: "emitter: {type: kafka}", errMsg: "unknown emitter.type"},
		{name: "level", body: "log: {level: loud}", errMsg: "unknown log.level"},
		{name: "format", body: "log: {format: xml}", errMsg: "unknown log.format"},
		{name: "max steps", body: "engine: {max_steps: -1}", errMsg: "must not be negative"},
		{name: "function timeout", body: "engine: {function_timeout: forever}", errMsg: "invalid engine.function_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		st, closeFn, err := StoreConfig{Type: "memory"}.OpenStore(ctx)
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &store.MemStore{}, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.db")
		st, closeFn, err := StoreConfig{Type: "sqlite", Path: path}.OpenStore(ctx)
		require.NoError(t, err)
		defer closeFn()
		require.NoError(t, st.Save(ctx, "r1", "A", []byte(`{"n":1}`)))
		blob, err := st.Load(ctx, "r1", "A")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(blob))
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		st, closeFn, err := StoreConfig{Type: "redis", Addr: mr.Addr(), Prefix: "test:", TTL: "1h"}.OpenStore(ctx)
		require.NoError(t, err)
		defer closeFn()
		require.NoError(t, st.Save(ctx, "r1", "A", []byte(`{}`)))
		assert.True(t, mr.Exists("test:r1"))
	})

	t.Run("unknown", func(t *testing.T) {
		_, closeFn, err := StoreConfig{Type: "etcd"}.OpenStore(ctx)
		assert.Error(t, err)
		assert.NotNil(t, closeFn)
	})
}

func TestNewEmitter(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		typ  string
		want emit.Emitter
	}{
		{typ: "null", want: &emit.NullEmitter{}},
		{typ: "log", want: &emit.LogEmitter{}},
		{typ: "json", want: &emit.LogEmitter{}},
		{typ: "buffered", want: &emit.BufferedEmitter{}},
		{typ: "otel", want: &emit.OTelEmitter{}},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			em, err := EmitterConfig{Type: tt.typ}.NewEmitter(&buf)
			require.NoError(t, err)
			assert.IsType(t, tt.want, em)
		})
	}

	_, err := EmitterConfig{Type: "kafka"}.NewEmitter(&buf)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Debug("checkpoint failed", "error", "disk full")
	assert.Contains(t, buf.String(), `"err":"disk full"`)
	assert.NotContains(t, buf.String(), `"error"`)

	buf.Reset()
	logger, err = LogConfig{Level: "warn", Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestEngineOptions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Metrics.Enable = true
	cfg.Engine.MaxSteps = 3

	reg := prometheus.NewRegistry()
	logger, err := cfg.Log.NewLogger(&bytes.Buffer{})
	require.NoError(t, err)
	e, err := process.New(cfg.EngineOptions(store.NewMemStore(), emit.NewNullEmitter(), logger, reg)...)
	require.NoError(t, err)

	b := process.NewProcessBuilder("loop")
	a, err := b.AddStep(process.NewStep("A", process.Func("run", func(_ context.Context, sc *process.StepContext, _ process.Args) error {
		sc.Emit("Again", nil)
		return nil
	})))
	require.NoError(t, err)
	b.OnInputEvent("Start").ConnectTo(process.ToStep(a))
	b.OnEvent(a, "Again").ConnectTo(process.ToStep(a))
	p, err := b.Build()
	require.NoError(t, err)

	_, err = e.Run(context.Background(), p, process.Event{ID: "Start"})
	assert.ErrorIs(t, err, process.ErrMaxStepsExceeded)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families, "metrics registered with the supplied registry")
}
