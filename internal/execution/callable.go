package execution

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/qcrbox/qcrbox/internal/model"
)

// Output capture is not available for in-process callables.
const (
	unsupportedStdout = "stdout capture is not supported for callable commands"
	unsupportedStderr = "stderr capture is not supported for callable commands"
)

// CallableFunc is the Go form of a callable command.
type CallableFunc func(ctx context.Context, args map[string]any) (any, error)

// Callable is a registered function with its declared signature.
type Callable struct {
	Name      string
	Func      CallableFunc
	Signature []model.ParameterSpec
}

// CallableRegistry maps callable targets to functions. It replaces dynamic
// imports: a callable command can only run a function registered here.
type CallableRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Callable
}

// NewCallableRegistry returns an empty registry.
func NewCallableRegistry() *CallableRegistry {
	return &CallableRegistry{funcs: make(map[string]Callable)}
}

// Register adds fn under name with the given parameter signature.
func (r *CallableRegistry) Register(name string, fn CallableFunc, signature ...model.ParameterSpec) error {
	if name == "" || fn == nil {
		return fmt.Errorf("execution: register callable: name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("execution: callable %q already registered", name)
	}
	r.funcs[name] = Callable{Name: name, Func: fn, Signature: signature}
	return nil
}

// Lookup returns the callable registered under name.
func (r *CallableRegistry) Lookup(name string) (Callable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.funcs[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *CallableRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CheckSignature compares declared parameters with the registered signature
// by name, required flag and dtype.
func CheckSignature(spec *model.CallableSpec, c Callable) error {
	declared := make(map[string]model.ParameterSpec, len(spec.Parameters))
	for _, p := range spec.Parameters {
		declared[p.Name] = p
	}
	if len(declared) != len(c.Signature) {
		return fmt.Errorf("%w: %q declares %d parameters, %q accepts %d",
			ErrSignatureMismatch, spec.Name, len(declared), c.Name, len(c.Signature))
	}
	for _, want := range c.Signature {
		got, ok := declared[want.Name]
		if !ok {
			return fmt.Errorf("%w: %q does not declare parameter %q", ErrSignatureMismatch, spec.Name, want.Name)
		}
		if got.DType != want.DType {
			return fmt.Errorf("%w: %q parameter %q has dtype %s, callable expects %s",
				ErrSignatureMismatch, spec.Name, want.Name, got.DType, want.DType)
		}
		if got.Required != want.Required {
			return fmt.Errorf("%w: %q parameter %q required=%t, callable expects required=%t",
				ErrSignatureMismatch, spec.Name, want.Name, got.Required, want.Required)
		}
	}
	return nil
}

// Pool bounds the number of callables running at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool returns a pool running at most size callables concurrently.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size is the pool's concurrency limit.
func (p *Pool) Size() int { return p.size }

// Go runs fn once a slot is free. It returns ctx.Err() if ctx ends first.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

type callableCommand struct {
	spec     *model.CallableSpec
	callable Callable
	pool     *Pool
	logger   *slog.Logger
}

func newCallableCommand(spec *model.CallableSpec, deps Deps) (*callableCommand, error) {
	if deps.Callables == nil {
		return nil, fmt.Errorf("%w: %s (no callable registry)", ErrUnknownCallable, spec.Target())
	}
	c, ok := deps.Callables.Lookup(spec.Target())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCallable, spec.Target())
	}
	if err := CheckSignature(spec, c); err != nil {
		return nil, err
	}
	pool := deps.Pool
	if pool == nil {
		pool = NewPool(1)
	}
	return &callableCommand{spec: spec, callable: c, pool: pool, logger: deps.Logger}, nil
}

func (c *callableCommand) Spec() model.CommandSpec { return c.spec }

func (c *callableCommand) bind(args map[string]any) (map[string]any, error) {
	merged := model.MergeDefaults(c.spec, args)
	mismatch := &ArgumentMismatchError{Command: c.spec.Name}
	for _, p := range c.callable.Signature {
		if _, ok := merged[p.Name]; !ok && p.Required {
			mismatch.Missing = append(mismatch.Missing, p.Name)
		}
	}
	for name := range merged {
		if !slices.ContainsFunc(c.callable.Signature, func(p model.ParameterSpec) bool { return p.Name == name }) {
			mismatch.Unexpected = append(mismatch.Unexpected, name)
		}
	}
	if len(mismatch.Missing) > 0 || len(mismatch.Unexpected) > 0 {
		slices.Sort(mismatch.Unexpected)
		return nil, mismatch
	}
	return merged, nil
}

func (c *callableCommand) ExecuteInBackground(ctx context.Context, calculationID string, args map[string]any) (Calculation, error) {
	bound, err := c.bind(args)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	calc := &callableCalculation{id: calculationID, cancel: cancel, done: make(chan struct{}), status: model.StatusRunning}

	go func() {
		err := c.pool.Go(runCtx, func() {
			defer cancel()
			defer close(calc.done)
			calc.run(runCtx, c.callable.Func, bound, c.logger)
		})
		if err != nil {
			calc.finish(nil, fmt.Errorf("cancelled before start: %w", err), model.StatusCancelled)
			close(calc.done)
			cancel()
		}
	}()
	return calc, nil
}

type callableCalculation struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    model.CalculationStatus
	result    any
	err       error
	cancelled bool
}

func (c *callableCalculation) run(ctx context.Context, fn CallableFunc, args map[string]any, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("execution: callable panicked", "calculation_id", c.id, "panic", rec)
			c.finish(nil, fmt.Errorf("panic: %v", rec), model.StatusFailed)
		}
	}()
	result, err := fn(ctx, args)
	switch {
	case err == nil:
		c.finish(result, nil, model.StatusCompleted)
	case ctx.Err() != nil:
		c.finish(nil, err, model.StatusCancelled)
	default:
		c.finish(nil, err, model.StatusFailed)
	}
}

func (c *callableCalculation) finish(result any, err error, status model.CalculationStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		status = model.StatusCancelled
	}
	c.result, c.err, c.status = result, err, status
}

func (c *callableCalculation) ID() string            { return c.id }
func (c *callableCalculation) Done() <-chan struct{} { return c.done }

func (c *callableCalculation) Status() model.CalculationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *callableCalculation) Details() model.CalculationStatusDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	extra := map[string]any{"return_value": c.result}
	if c.err != nil {
		extra["error"] = c.err.Error()
	}
	return model.CalculationStatusDetails{
		CalculationID: c.id,
		Status:        c.status,
		Stdout:        unsupportedStdout,
		Stderr:        unsupportedStderr,
		ExtraInfo:     extra,
	}
}

// Terminate cancels the callable's context.
func (c *callableCalculation) Terminate() {
	c.mu.Lock()
	if !c.status.IsTerminal() {
		c.cancelled = true
	}
	c.mu.Unlock()
	c.cancel()
}
