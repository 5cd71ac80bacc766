package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qcrbox/qcrbox/internal/model"
)

// InteractiveState is the lifecycle position of an interactive session.
type InteractiveState string

const (
	StateNotStarted InteractiveState = "not_started"
	StatePrepared   InteractiveState = "prepared"
	StateRunning    InteractiveState = "running"
	StateFinalised  InteractiveState = "finalised"
)

type interactiveCommand struct {
	spec   *model.InteractiveCommandSpec
	steps  map[string]Command
	gui    GUIOpener
	guiURL string
	logger *slog.Logger
}

func newInteractiveCommand(spec *model.InteractiveCommandSpec, deps Deps) (*interactiveCommand, error) {
	if spec.Lifecycle.Run == nil {
		return nil, fmt.Errorf("execution: interactive command %q has no run step", spec.Name)
	}
	steps := make(map[string]Command)
	for name, stepSpec := range spec.Steps() {
		if stepSpec.Kind() == model.ImplementedAsInteractive {
			return nil, fmt.Errorf("%w: nested interactive step %q", ErrUnsupportedCommand, name)
		}
		cmd, err := New(stepSpec, deps)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", name, err)
		}
		steps[name] = cmd
	}
	gui := deps.GUI
	if gui == nil {
		gui = LogOpener{Logger: deps.Logger}
	}
	return &interactiveCommand{spec: spec, steps: steps, gui: gui, guiURL: deps.GUIURL, logger: deps.Logger}, nil
}

func (c *interactiveCommand) Spec() model.CommandSpec { return c.spec }

// stepArgs returns the session arguments each step declares.
func (c *interactiveCommand) stepArgs(args map[string]any) map[string]map[string]any {
	merged := model.MergeDefaults(c.spec, args)
	out := make(map[string]map[string]any, len(c.steps))
	for name, cmd := range c.steps {
		out[name] = restrictArguments(cmd.Spec(), merged)
	}
	return out
}

// checkBindings validates the arguments of every step before any of them runs.
func (c *interactiveCommand) checkBindings(stepArgs map[string]map[string]any) error {
	for name, cmd := range c.steps {
		switch s := cmd.(type) {
		case *CLICommand:
			if _, err := s.Bind(model.MergeDefaults(s.spec, stepArgs[name])); err != nil {
				return err
			}
		case *callableCommand:
			if _, err := s.bind(stepArgs[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExecuteInBackground checks every step's bindings, then returns the session
// in StateNotStarted and runs prepare, run and the GUI hand-off in order on
// a separate goroutine. A failing step ends the session through its status.
func (c *interactiveCommand) ExecuteInBackground(ctx context.Context, calculationID string, args map[string]any) (Calculation, error) {
	stepArgs := c.stepArgs(args)
	if err := c.checkBindings(stepArgs); err != nil {
		return nil, err
	}

	s := &interactiveCalculation{
		cmd:      c,
		id:       calculationID,
		stepArgs: stepArgs,
		state:    StateNotStarted,
		status:   model.StatusRunning,
		done:     make(chan struct{}),
	}
	go s.start(ctx)
	return s, nil
}

// start brings the session up to StateRunning.
func (s *interactiveCalculation) start(ctx context.Context) {
	c := s.cmd
	if prepare, ok := c.steps[model.StepPrepare]; ok {
		calc, err := prepare.ExecuteInBackground(ctx, s.id, s.stepArgs[model.StepPrepare])
		if err != nil {
			s.failToStart(model.StepPrepare, err)
			return
		}
		if !s.track(calc) {
			return
		}
		select {
		case <-calc.Done():
		case <-ctx.Done():
			calc.Terminate()
			<-calc.Done()
		}
		if s.Status().IsTerminal() {
			return
		}
		if calc.Status() != model.StatusCompleted {
			s.fail(model.StepPrepare, calc)
			return
		}
	}

	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = StatePrepared
	s.mu.Unlock()

	run, err := c.steps[model.StepRun].ExecuteInBackground(ctx, s.id, s.stepArgs[model.StepRun])
	if err != nil {
		s.failToStart(model.StepRun, err)
		return
	}
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		run.Terminate()
		return
	}
	s.run = run
	s.current = nil
	s.state = StateRunning
	s.mu.Unlock()

	if err := c.gui.Open(ctx, c.guiURL, s.id); err != nil {
		c.logger.Warn("execution: gui hand-off failed", "calculation_id", s.id, "error", err)
	}
}

// track makes calc the active step. It reports false, after terminating
// calc, when the session has already ended.
func (s *interactiveCalculation) track(calc Calculation) bool {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		calc.Terminate()
		return false
	}
	s.current = calc
	s.mu.Unlock()
	return true
}

func (s *interactiveCalculation) failToStart(step string, err error) {
	s.cmd.logger.Error("execution: interactive step failed to start", "calculation_id", s.id, "step", step, "error", err)
	s.fail(step, newFinished(model.CalculationStatusDetails{CalculationID: s.id, Status: model.StatusFailed, Stderr: err.Error()}))
}

// runStep runs a step to completion.
func (c *interactiveCommand) runStep(ctx context.Context, cmd Command, calculationID string, args map[string]any) (Calculation, error) {
	calc, err := cmd.ExecuteInBackground(ctx, calculationID, args)
	if err != nil {
		return nil, err
	}
	select {
	case <-calc.Done():
		return calc, nil
	case <-ctx.Done():
		calc.Terminate()
		<-calc.Done()
		return calc, nil
	}
}

type interactiveCalculation struct {
	cmd      *interactiveCommand
	id       string
	stepArgs map[string]map[string]any
	done     chan struct{}
	doneOnce sync.Once

	mu         sync.Mutex
	state      InteractiveState
	status     model.CalculationStatus
	finalising bool
	run        Calculation
	current    Calculation
	toparams   any
	failedStep string
	stdout     string
	stderr     string
}

func (s *interactiveCalculation) ID() string            { return s.id }
func (s *interactiveCalculation) Done() <-chan struct{} { return s.done }

func (s *interactiveCalculation) Status() model.CalculationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *interactiveCalculation) Details() model.CalculationStatusDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := model.CalculationStatusDetails{
		CalculationID: s.id,
		Status:        s.status,
		Stdout:        s.stdout,
		Stderr:        s.stderr,
		ExtraInfo: map[string]any{
			"gui_url": s.cmd.guiURL,
			"state":   string(s.state),
		},
	}
	if s.run != nil && s.stdout == "" && s.stderr == "" {
		rd := s.run.Details()
		d.Stdout, d.Stderr = rd.Stdout, rd.Stderr
	}
	if s.toparams != nil {
		d.ExtraInfo["toparams"] = s.toparams
	}
	if s.failedStep != "" {
		d.ExtraInfo["failed_step"] = s.failedStep
	}
	return d
}

// fail records a failed step and ends the session.
func (s *interactiveCalculation) fail(step string, calc Calculation) {
	d := calc.Details()
	s.mu.Lock()
	if !s.status.IsTerminal() {
		s.status = model.StatusFailed
		if calc.Status() == model.StatusCancelled {
			s.status = model.StatusCancelled
		}
	}
	s.failedStep = step
	s.stdout, s.stderr = d.Stdout, d.Stderr
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Finalise ends the GUI session and runs the finalise and toparams steps in
// the background. It fails with ErrInteractiveUsage unless the session is
// running.
func (s *interactiveCalculation) Finalise(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning || s.finalising || s.status.IsTerminal() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot finalise session in state %s", ErrInteractiveUsage, state)
	}
	s.finalising = true
	s.mu.Unlock()

	go s.finalise(context.WithoutCancel(ctx))
	return nil
}

func (s *interactiveCalculation) finalise(ctx context.Context) {
	s.run.Terminate()
	<-s.run.Done()

	for _, step := range []string{model.StepFinalise, model.StepToParams} {
		cmd, ok := s.cmd.steps[step]
		if !ok {
			continue
		}
		calc, err := s.cmd.runStep(ctx, cmd, s.id, s.stepArgs[step])
		if err != nil {
			s.failToStart(step, err)
			return
		}
		s.mu.Lock()
		s.current = calc
		s.mu.Unlock()
		if calc.Status() != model.StatusCompleted {
			s.fail(step, calc)
			return
		}
		if step == model.StepToParams {
			s.mu.Lock()
			s.toparams = stepOutput(calc)
			s.mu.Unlock()
		}
	}

	rd := s.run.Details()
	s.mu.Lock()
	s.state = StateFinalised
	if !s.status.IsTerminal() {
		s.status = model.StatusCompleted
	}
	s.stdout, s.stderr = rd.Stdout, rd.Stderr
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// stepOutput is the toparams result: a callable's return value or a CLI
// step's stdout.
func stepOutput(calc Calculation) any {
	d := calc.Details()
	if v, ok := d.ExtraInfo["return_value"]; ok {
		return v
	}
	return d.Stdout
}

// Terminate cancels whichever step is active and ends the session cancelled.
func (s *interactiveCalculation) Terminate() {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.status = model.StatusCancelled
	run, current := s.run, s.current
	s.mu.Unlock()

	for _, c := range []Calculation{run, current} {
		if c != nil {
			c.Terminate()
		}
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// AsFinaliser returns the Finaliser of calc, if it has one.
func AsFinaliser(calc Calculation) (Finaliser, error) {
	f, ok := calc.(Finaliser)
	if !ok {
		return nil, fmt.Errorf("%w: calculation %s is not an interactive session", ErrInteractiveUsage, calc.ID())
	}
	return f, nil
}
