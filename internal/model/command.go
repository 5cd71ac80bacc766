package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// ImplementedAs discriminates the CommandSpec variants on the wire.
type ImplementedAs string

const (
	ImplementedAsCLI         ImplementedAs = "cli_command"
	ImplementedAsCallable    ImplementedAs = "python_callable"
	ImplementedAsInteractive ImplementedAs = "interactive"
)

// ErrInvalidSpec is wrapped by every application/command spec validation error.
var ErrInvalidSpec = errors.New("model: invalid spec")

// placeholderPattern matches {name} placeholders in a CLI call pattern.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// CommandSpec is implemented by CLICommandSpec, CallableSpec and
// InteractiveCommandSpec.
type CommandSpec interface {
	CommandName() string
	Kind() ImplementedAs
	Common() *CommandCommon
	Validate() (warnings []string, err error)
}

// CommandCommon holds the fields shared by every command variant.
type CommandCommon struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ParameterSpec `json:"parameters"`
	MergeCifSU  bool            `json:"merge_cif_su,omitempty"`
	DOI         string          `json:"doi,omitempty"`
}

// Parameter returns the declared parameter with the given name.
func (c *CommandCommon) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range c.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// DefaultValues returns the defaults of all parameters that declare one.
func (c *CommandCommon) DefaultValues() map[string]any {
	out := make(map[string]any)
	for _, p := range c.Parameters {
		if p.Default != nil {
			out[p.Name] = p.Default.Value
		}
	}
	return out
}

func (c *CommandCommon) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: command name is required", ErrInvalidSpec)
	}
	seen := make(map[string]bool, len(c.Parameters))
	for _, p := range c.Parameters {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: command %q: %v", ErrInvalidSpec, c.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: command %q: duplicate parameter %q", ErrInvalidSpec, c.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// CLICommandSpec runs a shell command built from CallPattern.
type CLICommandSpec struct {
	CommandCommon
	CallPattern string `json:"call_pattern"`
}

func (s *CLICommandSpec) CommandName() string    { return s.Name }
func (s *CLICommandSpec) Kind() ImplementedAs    { return ImplementedAsCLI }
func (s *CLICommandSpec) Common() *CommandCommon { return &s.CommandCommon }

// Placeholders returns the distinct parameter names referenced by the call
// pattern, in order of first appearance.
func (s *CLICommandSpec) Placeholders() []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(s.CallPattern, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Validate requires every placeholder to be declared. Declared parameters
// that the pattern never references are returned as warnings.
func (s *CLICommandSpec) Validate() ([]string, error) {
	if err := s.CommandCommon.validate(); err != nil {
		return nil, err
	}
	if s.CallPattern == "" {
		return nil, fmt.Errorf("%w: command %q: call_pattern is required", ErrInvalidSpec, s.Name)
	}
	placeholders := s.Placeholders()
	for _, name := range placeholders {
		if _, ok := s.Parameter(name); !ok {
			return nil, fmt.Errorf("%w: command %q: call_pattern references undeclared parameter %q", ErrInvalidSpec, s.Name, name)
		}
	}
	var warnings []string
	for _, p := range s.Parameters {
		if !slices.Contains(placeholders, p.Name) {
			warnings = append(warnings, fmt.Sprintf("command %q: parameter %q is not used by call_pattern", s.Name, p.Name))
		}
	}
	return warnings, nil
}

// CallableSpec runs a function from the client's callable registration table.
type CallableSpec struct {
	CommandCommon
	ImportPath   string `json:"import_path,omitempty"`
	CallableName string `json:"callable_name,omitempty"`
}

func (s *CallableSpec) CommandName() string    { return s.Name }
func (s *CallableSpec) Kind() ImplementedAs    { return ImplementedAsCallable }
func (s *CallableSpec) Common() *CommandCommon { return &s.CommandCommon }

// Target is the key the callable is registered under.
func (s *CallableSpec) Target() string {
	name := s.CallableName
	if name == "" {
		name = s.Name
	}
	if s.ImportPath == "" {
		return name
	}
	return s.ImportPath + "." + name
}

func (s *CallableSpec) Validate() ([]string, error) {
	if err := s.CommandCommon.validate(); err != nil {
		return nil, err
	}
	return nil, nil
}

// InteractiveLifecycleSteps holds the nested commands of an interactive
// session. Run is mandatory.
type InteractiveLifecycleSteps struct {
	Prepare  CommandSpec `json:"prepare,omitempty"`
	Run      CommandSpec `json:"run"`
	Finalise CommandSpec `json:"finalise,omitempty"`
	ToParams CommandSpec `json:"toparams,omitempty"`
}

// Lifecycle step names.
const (
	StepPrepare  = "prepare"
	StepRun      = "run"
	StepFinalise = "finalise"
	StepToParams = "toparams"
)

// InteractiveCommandSpec wraps a 2-4 step session with a GUI hand-off.
type InteractiveCommandSpec struct {
	CommandCommon
	Lifecycle InteractiveLifecycleSteps `json:"interactive_lifecycle"`
}

func (s *InteractiveCommandSpec) CommandName() string    { return s.Name }
func (s *InteractiveCommandSpec) Kind() ImplementedAs    { return ImplementedAsInteractive }
func (s *InteractiveCommandSpec) Common() *CommandCommon { return &s.CommandCommon }

// StepName is the auto-derived command name of a lifecycle step.
func (s *InteractiveCommandSpec) StepName(step string) string {
	return s.Name + "__interactive_" + step
}

// Steps returns the declared steps keyed by step name.
func (s *InteractiveCommandSpec) Steps() map[string]CommandSpec {
	out := make(map[string]CommandSpec, 4)
	for step, spec := range map[string]CommandSpec{
		StepPrepare:  s.Lifecycle.Prepare,
		StepRun:      s.Lifecycle.Run,
		StepFinalise: s.Lifecycle.Finalise,
		StepToParams: s.Lifecycle.ToParams,
	} {
		if spec != nil {
			out[step] = spec
		}
	}
	return out
}

// Validate checks the wrapper and every step. Steps may not themselves be
// interactive. Step names are rewritten to their derived form.
func (s *InteractiveCommandSpec) Validate() ([]string, error) {
	if err := s.CommandCommon.validate(); err != nil {
		return nil, err
	}
	if s.Lifecycle.Run == nil {
		return nil, fmt.Errorf("%w: interactive command %q: run step is required", ErrInvalidSpec, s.Name)
	}
	var warnings []string
	for step, spec := range s.Steps() {
		if spec.Kind() == ImplementedAsInteractive {
			return nil, fmt.Errorf("%w: interactive command %q: step %q must not be interactive", ErrInvalidSpec, s.Name, step)
		}
		spec.Common().Name = s.StepName(step)
		w, err := spec.Validate()
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}
	return warnings, nil
}

// MarshalCommandSpec writes a CommandSpec with its implemented_as tag.
func MarshalCommandSpec(spec CommandSpec) ([]byte, error) {
	switch s := spec.(type) {
	case *CLICommandSpec:
		return json.Marshal(struct {
			ImplementedAs ImplementedAs `json:"implemented_as"`
			*CLICommandSpec
		}{ImplementedAsCLI, s})
	case *CallableSpec:
		return json.Marshal(struct {
			ImplementedAs ImplementedAs `json:"implemented_as"`
			*CallableSpec
		}{ImplementedAsCallable, s})
	case *InteractiveCommandSpec:
		return json.Marshal(struct {
			ImplementedAs ImplementedAs `json:"implemented_as"`
			*CommandCommon
			Lifecycle lifecycleWire `json:"interactive_lifecycle"`
		}{ImplementedAsInteractive, &s.CommandCommon, lifecycleWire{
			Prepare:  commandSpecJSON{s.Lifecycle.Prepare},
			Run:      commandSpecJSON{s.Lifecycle.Run},
			Finalise: commandSpecJSON{s.Lifecycle.Finalise},
			ToParams: commandSpecJSON{s.Lifecycle.ToParams},
		}})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("model: unknown command spec type %T", spec)
	}
}

// UnmarshalCommandSpec decodes a CommandSpec by its implemented_as tag.
func UnmarshalCommandSpec(data []byte) (CommandSpec, error) {
	var tagged struct {
		ImplementedAs ImplementedAs `json:"implemented_as"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("model: decode command spec: %w", err)
	}
	switch tagged.ImplementedAs {
	case ImplementedAsCLI:
		var s CLICommandSpec
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("model: decode cli command: %w", err)
		}
		return &s, nil
	case ImplementedAsCallable:
		var s CallableSpec
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("model: decode callable command: %w", err)
		}
		return &s, nil
	case ImplementedAsInteractive:
		var w struct {
			CommandCommon
			Lifecycle lifecycleWire `json:"interactive_lifecycle"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("model: decode interactive command: %w", err)
		}
		return &InteractiveCommandSpec{
			CommandCommon: w.CommandCommon,
			Lifecycle: InteractiveLifecycleSteps{
				Prepare:  w.Lifecycle.Prepare.Spec,
				Run:      w.Lifecycle.Run.Spec,
				Finalise: w.Lifecycle.Finalise.Spec,
				ToParams: w.Lifecycle.ToParams.Spec,
			},
		}, nil
	case "":
		return nil, fmt.Errorf("model: command spec is missing implemented_as")
	default:
		return nil, fmt.Errorf("model: unknown implemented_as %q", tagged.ImplementedAs)
	}
}

// commandSpecJSON adapts the CommandSpec interface to encoding/json.
type commandSpecJSON struct {
	Spec CommandSpec
}

func (c commandSpecJSON) MarshalJSON() ([]byte, error) {
	return MarshalCommandSpec(c.Spec)
}

func (c *commandSpecJSON) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		c.Spec = nil
		return nil
	}
	spec, err := UnmarshalCommandSpec(data)
	if err != nil {
		return err
	}
	c.Spec = spec
	return nil
}

type lifecycleWire struct {
	Prepare  commandSpecJSON `json:"prepare"`
	Run      commandSpecJSON `json:"run"`
	Finalise commandSpecJSON `json:"finalise"`
	ToParams commandSpecJSON `json:"toparams"`
}

// CommandList is an ordered list of polymorphic command specs.
type CommandList []CommandSpec

func (l CommandList) MarshalJSON() ([]byte, error) {
	items := make([]commandSpecJSON, len(l))
	for i, spec := range l {
		items[i] = commandSpecJSON{spec}
	}
	return json.Marshal(items)
}

func (l *CommandList) UnmarshalJSON(data []byte) error {
	var items []commandSpecJSON
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make(CommandList, 0, len(items))
	for _, it := range items {
		if it.Spec == nil {
			return fmt.Errorf("model: command spec must not be null")
		}
		out = append(out, it.Spec)
	}
	*l = out
	return nil
}
