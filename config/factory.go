package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/procflow/process"
	"github.com/dshills/procflow/process/emit"
	"github.com/dshills/procflow/process/store"
)

// OpenStore opens the configured state store. The returned close function
// releases its connections and is never nil.
func (c StoreConfig) OpenStore(ctx context.Context) (store.StateStore, func() error, error) {
	noop := func() error { return nil }
	switch c.Type {
	case "memory", "":
		return store.NewMemStore(), noop, nil
	case "sqlite":
		st, err := store.NewSQLiteStore(c.Path)
		if err != nil {
			return nil, noop, err
		}
		return st, st.Close, nil
	case "mysql":
		st, err := store.NewMySQLStore(c.DSN)
		if err != nil {
			return nil, noop, err
		}
		return st, st.Close, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, c.DSN)
		if err != nil {
			return nil, noop, err
		}
		return st, st.Close, nil
	case "redis":
		var opts []store.RedisOption
		if c.Prefix != "" {
			opts = append(opts, store.WithRedisPrefix(c.Prefix))
		}
		if c.TTL != "" {
			ttl, err := time.ParseDuration(c.TTL)
			if err != nil {
				return nil, noop, fmt.Errorf("invalid store.ttl: %w", err)
			}
			opts = append(opts, store.WithRedisTTL(ttl))
		}
		st := store.NewRedisStore(c.Addr, c.Password, c.DB, opts...)
		return st, st.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store.type %q", c.Type)
	}
}

// NewEmitter builds the configured emitter. Text and JSON log emitters
// write to w. The otel emitter uses the global tracer provider; install one
// with NewTracerProvider first.
func (c EmitterConfig) NewEmitter(w io.Writer) (emit.Emitter, error) {
	switch c.Type {
	case "null", "":
		return emit.NewNullEmitter(), nil
	case "log":
		return emit.NewLogEmitter(w, false), nil
	case "json":
		return emit.NewLogEmitter(w, true), nil
	case "buffered":
		return emit.NewBufferedEmitter(), nil
	case "otel":
		return emit.NewOTelEmitter(otel.Tracer("procflow")), nil
	default:
		return nil, fmt.Errorf("unknown emitter.type %q", c.Type)
	}
}

// NewTracerProvider installs a global tracer provider exporting spans over
// OTLP/HTTP. Call Shutdown on the result to flush pending spans.
func (c TracingConfig) NewTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.ExportEndpoint)}
	if c.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", c.ServiceName)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log.level %q", s)
}

// NewLogger builds a slog logger writing to w. The "error" key is renamed
// to "err".
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// EngineOptions turns the engine, metrics and limit settings into engine
// options. Metrics register with reg when enabled.
func (c *Config) EngineOptions(st store.StateStore, em emit.Emitter, logger *slog.Logger, reg prometheus.Registerer) []process.Option {
	opts := []process.Option{
		process.WithStore(st),
		process.WithEmitter(em),
		process.WithLogger(logger),
		process.WithMaxSteps(c.Engine.MaxSteps),
	}
	if c.Engine.MapParallelism > 0 {
		opts = append(opts, process.WithMapParallelism(c.Engine.MapParallelism))
	}
	if d, err := time.ParseDuration(c.Engine.FunctionTimeout); err == nil && d > 0 {
		opts = append(opts, process.WithFunctionTimeout(d))
	}
	if c.Metrics.Enable && reg != nil {
		opts = append(opts, process.WithMetrics(process.NewPrometheusMetrics(reg)))
	}
	return opts
}
