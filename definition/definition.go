// Package definition loads declarative process definitions from YAML and
// compiles them into process graphs.
//
// A definition lists steps, each backed by a registered step kind, a
// sub-process or a map operator, and the routes between them:
//
//	name: orders
//	steps:
//	  - id: Validate
//	    kind: switch
//	    config:
//	      cases:
//	        - when: "x > 0"
//	          emit: Valid
//	      default: Invalid
//	  - id: Process
//	    kind: passthrough
//	    config: {emit: Done, public: true}
//	routes:
//	  - {event: Start, to: Validate}
//	  - {from: Validate, event: Valid, to: Process}
//	  - {from: Validate, event: Invalid, stop: true}
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is a process description.
type Definition struct {
	Name string `yaml:"name"`

	// ID defaults to Name.
	ID string `yaml:"id,omitempty"`

	Steps  []StepDef  `yaml:"steps"`
	Routes []RouteDef `yaml:"routes"`

	// Processes declares reusable processes referenced by sub-process and
	// map steps. Only the top-level definition may declare them.
	Processes map[string]*Definition `yaml:"processes,omitempty"`
}

// StepDef declares one step. Exactly one of Kind, Process and Map is set.
type StepDef struct {
	ID string `yaml:"id"`

	// Kind names a registered step kind; Config is decoded by its factory.
	Kind   string         `yaml:"kind,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`

	// Outputs declares the events the step emits.
	Outputs []string `yaml:"outputs,omitempty"`

	// Timeout bounds each invocation of a kind step, e.g. "500ms".
	Timeout string `yaml:"timeout,omitempty"`

	// Process names an entry of Definition.Processes to run as a
	// sub-process step.
	Process string `yaml:"process,omitempty"`

	Map *MapDef `yaml:"map,omitempty"`
}

// MapDef declares a map step around either an inline step or a named
// process.
type MapDef struct {
	Step        *StepDef `yaml:"step,omitempty"`
	Process     string   `yaml:"process,omitempty"`
	InputEvent  string   `yaml:"input_event,omitempty"`
	Parallelism int      `yaml:"parallelism,omitempty"`
}

// RouteDef declares one edge.
//
// The source is the input event when From is empty or "$input", the
// function errors of From when OnError is set, and the event Event of From
// otherwise. The target is the stop sentinel, a parent re-emission, or the
// function Call / parameter Param of step To.
type RouteDef struct {
	From     string `yaml:"from,omitempty"`
	Event    string `yaml:"event,omitempty"`
	OnError  bool   `yaml:"on_error,omitempty"`
	Function string `yaml:"function,omitempty"`

	To           string `yaml:"to,omitempty"`
	Call         string `yaml:"call,omitempty"`
	Param        string `yaml:"param,omitempty"`
	Stop         bool   `yaml:"stop,omitempty"`
	EmitToParent string `yaml:"emit_to_parent,omitempty"`

	// When is an expr-lang condition; Transform is a jq expression.
	When      string `yaml:"when,omitempty"`
	Transform string `yaml:"transform,omitempty"`

	// Exclusive makes the route the only one allowed for its source.
	Exclusive bool `yaml:"exclusive,omitempty"`
}

// Parse decodes a YAML definition. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a YAML definition from r.
func Decode(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty process definition")
		}
		return nil, fmt.Errorf("failed to parse process definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("process definition has no name")
	}
	return &def, nil
}

// Load reads and parses the definition file at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read process definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Marshal encodes def as YAML.
func Marshal(def *Definition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("failed to encode process definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
