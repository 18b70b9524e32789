package process

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/procflow/process/emit"
	"github.com/dshills/procflow/process/store"
)

// Options holds Engine configuration. Use the With* functions to set it.
type Options struct {
	// MaxSteps bounds the number of events dispatched by one run, counting
	// nested sub-process and map element runs. 0 means unlimited.
	//
	// Cycles are legal in a process graph, so a loop whose exit condition
	// never fires runs forever unless MaxSteps is set.
	MaxSteps int

	// MapParallelism overrides the parallelism of every map step when > 0.
	MapParallelism int

	// FunctionTimeout bounds each function invocation that does not set its
	// own FunctionDescriptor.Timeout. 0 means no limit.
	FunctionTimeout time.Duration
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := process.New(
//	    process.WithStore(store.NewMemStore()),
//	    process.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    process.WithMaxSteps(500),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts    Options
	store   store.StateStore
	emitter emit.Emitter
	metrics *PrometheusMetrics
	logger  *slog.Logger
	newID   func() string
}

// WithStore sets the state store used for checkpoints. Without a store, step
// state lives only as long as the run.
func WithStore(st store.StateStore) Option {
	return func(cfg *engineConfig) error {
		cfg.store = st
		return nil
	}
}

// WithEmitter sets the observability event sink. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the structured logger. Default: a logger that discards
// everything.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithMaxSteps limits the number of dispatched events per run.
//
// When the limit is exceeded the run fails with ErrMaxStepsExceeded.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "max steps cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithMapParallelism overrides the per-map-step parallelism for all runs.
func WithMapParallelism(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "map parallelism cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.MapParallelism = n
		return nil
	}
}

// WithFunctionTimeout sets the default per-invocation timeout. A function
// that overruns it fails with ErrFunctionTimeout, which error edges can route
// like any other function error.
func WithFunctionTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "function timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.FunctionTimeout = d
		return nil
	}
}

// WithRunIDGenerator replaces the default UUID run ID generator.
func WithRunIDGenerator(fn func() string) Option {
	return func(cfg *engineConfig) error {
		if fn == nil {
			return &EngineError{Message: "run ID generator cannot be nil", Code: "INVALID_OPTION"}
		}
		cfg.newID = fn
		return nil
	}
}

// RunOption configures a single run.
type RunOption func(*runConfig)

type runConfig struct {
	runID string
}

// WithRunID runs under an explicit ID. Reusing the ID of an earlier run
// against the same store resumes from the state that run checkpointed.
func WithRunID(id string) RunOption {
	return func(rc *runConfig) {
		rc.runID = id
	}
}

func defaultConfig() engineConfig {
	return engineConfig{
		emitter: emit.NewNullEmitter(),
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		newID:   uuid.NewString,
	}
}
