package definition

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/procflow/process"
	"github.com/dshills/procflow/process/condition"
	"github.com/dshills/procflow/process/transform"
)

// Builtin step kinds:
//
//	passthrough  re-emits its input             emit, public
//	fail         always fails                   message
//	counter      counts invocations in state    emit, limit, over_limit
//	switch       emits the first matching case  cases[{when, emit}], default
//	jq           transforms its input           expr, emit
//	collect      accumulates inputs in state    emit, size
//	stamp        wraps input with a UUID        emit, field
//	join         combines several parameters    params, emit
func registerBuiltins(r *Registry) {
	r.MustRegister("passthrough", newPassthrough)
	r.MustRegister("fail", newFail)
	r.MustRegister("counter", newCounter)
	r.MustRegister("switch", newSwitch)
	r.MustRegister("jq", newJQ)
	r.MustRegister("collect", newCollect)
	r.MustRegister("stamp", newStamp)
	r.MustRegister("join", newJoin)
}

func emitter(public bool) func(sc *process.StepContext, id string, payload any) {
	if public {
		return (*process.StepContext).EmitPublic
	}
	return (*process.StepContext).Emit
}

type passthroughConfig struct {
	Emit   string `mapstructure:"emit"`
	Public bool   `mapstructure:"public"`
}

func newPassthrough(id string, config map[string]any) (process.StepDescriptor, error) {
	cfg := passthroughConfig{Emit: "Done"}
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	send := emitter(cfg.Public)
	return process.NewStep(id, process.Func("run", func(_ context.Context, sc *process.StepContext, args process.Args) error {
		send(sc, cfg.Emit, args.Input())
		return nil
	})).WithOutputs(cfg.Emit), nil
}

type failConfig struct {
	Message string `mapstructure:"message"`
}

func newFail(id string, config map[string]any) (process.StepDescriptor, error) {
	cfg := failConfig{Message: "step failed"}
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	return process.NewStep(id, process.Func("run", func(context.Context, *process.StepContext, process.Args) error {
		return errors.New(cfg.Message)
	})), nil
}

type counterConfig struct {
	Emit      string `mapstructure:"emit"`
	Limit     int    `mapstructure:"limit"`
	OverLimit string `mapstructure:"over_limit"`
}

// CounterState is the state of counter steps.
type CounterState struct {
	Count int `json:"count"`
}

func newCounter(id string, config map[string]any) (process.StepDescriptor, error) {
	cfg := counterConfig{Emit: "Counted", OverLimit: "LimitReached"}
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	return process.NewStep(id, process.Func("run", func(_ context.Context, sc *process.StepContext, _ process.Args) error {
		s, ok := process.StateAs[CounterState](sc)
		if !ok {
			return fmt.Errorf("unexpected state %T", sc.State())
		}
		s.Count++
		if cfg.Limit > 0 && s.Count >= cfg.Limit {
			sc.Emit(cfg.OverLimit, s.Count)
			return nil
		}
		sc.Emit(cfg.Emit, s.Count)
		return nil
	})).WithState("counter", func() any { return &CounterState{} }).WithOutputs(cfg.Emit, cfg.OverLimit), nil
}

type switchCase struct {
	When string `mapstructure:"when"`
	Emit string `mapstructure:"emit"`
}

type switchConfig struct {
	Cases   []switchCase `mapstructure:"cases"`
	Default string       `mapstructure:"default"`
	Public  bool         `mapstructure:"public"`
}

func newSwitch(id string, config map[string]any) (process.StepDescriptor, error) {
	var cfg switchConfig
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	if len(cfg.Cases) == 0 {
		return process.StepDescriptor{}, fmt.Errorf("switch needs at least one case")
	}

	conds := make([]process.Condition, len(cfg.Cases))
	outputs := make([]string, 0, len(cfg.Cases)+1)
	for i, c := range cfg.Cases {
		if c.Emit == "" {
			return process.StepDescriptor{}, fmt.Errorf("case %d has no emit", i)
		}
		cond, err := condition.Compile(c.When)
		if err != nil {
			return process.StepDescriptor{}, fmt.Errorf("case %d: %w", i, err)
		}
		conds[i] = cond
		outputs = append(outputs, c.Emit)
	}
	if cfg.Default != "" {
		outputs = append(outputs, cfg.Default)
	}

	send := emitter(cfg.Public)
	return process.NewStep(id, process.Func("run", func(_ context.Context, sc *process.StepContext, args process.Args) error {
		in := args.Input()
		for i, cond := range conds {
			if cond(in) {
				send(sc, cfg.Cases[i].Emit, in)
				return nil
			}
		}
		if cfg.Default != "" {
			send(sc, cfg.Default, in)
		}
		return nil
	})).WithOutputs(outputs...), nil
}

type jqConfig struct {
	Expr string `mapstructure:"expr"`
	Emit string `mapstructure:"emit"`
}

func newJQ(id string, config map[string]any) (process.StepDescriptor, error) {
	cfg := jqConfig{Emit: "Transformed"}
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	fn, err := transform.Compile(cfg.Expr)
	if err != nil {
		return process.StepDescriptor{}, err
	}
	return process.NewStep(id, process.Func("run", func(_ context.Context, sc *process.StepContext, args process.Args) error {
		out, err := fn(args.Input())
		if err != nil {
			return err
		}
		sc.Emit(cfg.Emit, out)
		return nil
	})).WithOutputs(cfg.Emit), nil
}

type collectConfig struct {
	Emit string `mapstructure:"emit"`
	Size int    `mapstructure:"size"`
}

// CollectState is the state of collect steps.
type CollectState struct {
	Items []any `json:"items"`
}

func newCollect(id string, config map[string]any) (process.StepDescriptor, error) {
	cfg := collectConfig{Emit: "Collected"}
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	return process.NewStep(id, process.Func("run", func(_ context.Context, sc *process.StepContext, args process.Args) error {
		s, ok := process.StateAs[CollectState](sc)
		if !ok {
			return fmt.Errorf("unexpected state %T", sc.State())
		}
		s.Items = append(s.Items, args.Input())
		if cfg.Size > 0 && len(s.Items) < cfg.Size {
			return nil
		}
		sc.Emit(cfg.Emit, append([]any(nil), s.Items...))
		if cfg.Size > 0 {
			s.Items = nil
		}
		return nil
	})).WithState("collect", func() any { return &CollectState{} }).WithOutputs(cfg.Emit), nil
}

type stampConfig struct {
	Emit  string `mapstructure:"emit"`
	Field string `mapstructure:"field"`
}

func newStamp(id string, config map[string]any) (process.StepDescriptor, error) {
	cfg := stampConfig{Emit: "Stamped", Field: "id"}
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	return process.NewStep(id, process.Func("run", func(_ context.Context, sc *process.StepContext, args process.Args) error {
		sc.Emit(cfg.Emit, map[string]any{
			cfg.Field: uuid.NewString(),
			"payload": args.Input(),
		})
		return nil
	})).WithOutputs(cfg.Emit), nil
}

type joinConfig struct {
	Params []string `mapstructure:"params"`
	Emit   string   `mapstructure:"emit"`
}

func newJoin(id string, config map[string]any) (process.StepDescriptor, error) {
	cfg := joinConfig{Emit: "Joined"}
	if err := DecodeConfig(config, &cfg); err != nil {
		return process.StepDescriptor{}, err
	}
	if len(cfg.Params) < 2 {
		return process.StepDescriptor{}, fmt.Errorf("join needs at least two params")
	}
	return process.NewStep(id, process.Func("run", func(_ context.Context, sc *process.StepContext, args process.Args) error {
		out := make(map[string]any, len(args))
		for k, v := range args {
			out[k] = v
		}
		sc.Emit(cfg.Emit, out)
		return nil
	}, cfg.Params...)).WithOutputs(cfg.Emit), nil
}
