// Package execution runs registered commands on a client agent. Each
// command spec variant maps to one Command implementation; every run is a
// Calculation that can be polled, awaited and terminated.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/qcrbox/qcrbox/internal/model"
)

// Calculation is one running or finished execution.
type Calculation interface {
	ID() string
	Status() model.CalculationStatus
	Details() model.CalculationStatusDetails
	// Done is closed once the status is terminal.
	Done() <-chan struct{}
	Terminate()
}

// Finaliser is implemented by calculations that wait for an explicit
// finalise request, such as interactive sessions.
type Finaliser interface {
	Finalise(ctx context.Context) error
}

// Command starts calculations for one command spec.
type Command interface {
	Spec() model.CommandSpec
	// ExecuteInBackground binds args and starts the calculation. Binding
	// errors are returned before any process or worker is started.
	ExecuteInBackground(ctx context.Context, calculationID string, args map[string]any) (Calculation, error)
}

// Deps are the shared resources commands are built with.
type Deps struct {
	WorkDir   string
	Callables *CallableRegistry
	Pool      *Pool
	GUI       GUIOpener
	GUIURL    string
	Logger    *slog.Logger
}

// New builds the execution variant for spec.
func New(spec model.CommandSpec, deps Deps) (Command, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	switch s := spec.(type) {
	case *model.CLICommandSpec:
		return &CLICommand{spec: s, workDir: deps.WorkDir, logger: deps.Logger}, nil
	case *model.CallableSpec:
		return newCallableCommand(s, deps)
	case *model.InteractiveCommandSpec:
		return newInteractiveCommand(s, deps)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, spec)
	}
}

// BuildAll builds every command of an application, including interactive
// step commands, keyed by command name.
func BuildAll(app *model.ApplicationSpec, deps Deps) (map[string]Command, error) {
	out := make(map[string]Command)
	for _, spec := range app.AllCommands() {
		cmd, err := New(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("execution: command %q: %w", spec.CommandName(), err)
		}
		out[spec.CommandName()] = cmd
	}
	return out, nil
}

// formatArgument renders an argument value for a call pattern.
func formatArgument(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// restrictArguments keeps only the arguments that spec declares.
func restrictArguments(spec model.CommandSpec, args map[string]any) map[string]any {
	out := make(map[string]any)
	for _, p := range spec.Common().Parameters {
		if v, ok := args[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

// finished is a Calculation that is terminal from the start.
type finished struct {
	details model.CalculationStatusDetails
	done    chan struct{}
}

func newFinished(d model.CalculationStatusDetails) *finished {
	f := &finished{details: d, done: make(chan struct{})}
	close(f.done)
	return f
}

func (f *finished) ID() string                              { return f.details.CalculationID }
func (f *finished) Status() model.CalculationStatus         { return f.details.Status }
func (f *finished) Details() model.CalculationStatusDetails { return f.details }
func (f *finished) Done() <-chan struct{}                   { return f.done }
func (f *finished) Terminate()                              {}
