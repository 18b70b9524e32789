package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dshills/procflow/config"
	"github.com/dshills/procflow/definition"
	"github.com/dshills/procflow/process"
	"github.com/dshills/procflow/process/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "procflow",
		Short:         "procflow runs event-driven process graphs",
		Long:          `procflow compiles YAML process definitions into step graphs and runs them with checkpointed step state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Configuration file (PROCFLOW_* environment variables override it)")

	root.AddCommand(newValidateCmd(), newRunCmd(), newStateCmd(), newGraphCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func compileFile(path string) (*process.CompiledProcess, error) {
	def, err := definition.Load(path)
	if err != nil {
		return nil, err
	}
	return definition.Compile(def)
}

// env holds the collaborators built from configuration for one command.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.StateStore
	engine *process.Engine
	close  []func() error
}

func newEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}

	if cfg.Emitter.Type == "otel" {
		tp, err := cfg.Tracing.NewTracerProvider(ctx)
		if err != nil {
			return nil, err
		}
		e.close = append(e.close, func() error { return tp.Shutdown(context.Background()) })
	}
	em, err := cfg.Emitter.NewEmitter(cmd.ErrOrStderr())
	if err != nil {
		e.Close()
		return nil, err
	}

	st, closeStore, err := cfg.Store.OpenStore(ctx)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	e.store = st
	e.close = append(e.close, closeStore)

	eng, err := process.New(cfg.EngineOptions(st, em, logger, prometheus.DefaultRegisterer)...)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.engine = eng
	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.close) - 1; i >= 0; i-- {
		if err := e.close[i](); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
