package execution

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qcrbox/qcrbox/internal/model"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const outputWaitDelay = 2 * time.Second

// CLICommand runs its call pattern through sh -c.
type CLICommand struct {
	spec    *model.CLICommandSpec
	workDir string
	logger  *slog.Logger
}

func (c *CLICommand) Spec() model.CommandSpec { return c.spec }

// Bind substitutes every {name} placeholder. A placeholder without a value
// yields an *ArgumentMismatchError.
func (c *CLICommand) Bind(args map[string]any) (string, error) {
	var missing []string
	line := placeholder.ReplaceAllStringFunc(c.spec.CallPattern, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := args[name]
		if !ok {
			if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
			return m
		}
		return formatArgument(v)
	})
	if len(missing) > 0 {
		return "", &ArgumentMismatchError{Command: c.spec.Name, Missing: missing}
	}
	return line, nil
}

func (c *CLICommand) ExecuteInBackground(_ context.Context, calculationID string, args map[string]any) (Calculation, error) {
	line, err := c.Bind(model.MergeDefaults(c.spec, args))
	if err != nil {
		return nil, err
	}

	calc := &cliCalculation{id: calculationID, done: make(chan struct{}), exitCode: -1}
	cmd := exec.Command("sh", "-c", line)
	cmd.Dir = c.workDir
	// Children that outlive a killed shell must not hold Wait open.
	cmd.WaitDelay = outputWaitDelay
	cmd.Stdout = &calc.stdout
	cmd.Stderr = &calc.stderr
	calc.cmd = cmd

	if err := cmd.Start(); err != nil {
		c.logger.Error("execution: start command", "calculation_id", calculationID, "command", c.spec.Name, "error", err)
		return newFinished(model.CalculationStatusDetails{
			CalculationID: calculationID,
			Status:        model.StatusFailed,
			Stderr:        err.Error(),
			ExtraInfo:     map[string]any{"returncode": -1},
		}), nil
	}
	c.logger.Info("execution: started command",
		"calculation_id", calculationID, "command", c.spec.Name, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		calc.mu.Lock()
		calc.exitCode = cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			calc.waitErr = err
		}
		calc.mu.Unlock()
		close(calc.done)
	}()
	return calc, nil
}

type cliCalculation struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}

	// stdout and stderr are written by the process until done is closed
	// and must not be read before then.
	stdout bytes.Buffer
	stderr bytes.Buffer

	cancelled atomic.Bool

	mu       sync.Mutex
	exitCode int
	waitErr  error
	output   *[2]string
}

func (c *cliCalculation) ID() string            { return c.id }
func (c *cliCalculation) Done() <-chan struct{} { return c.done }

func (c *cliCalculation) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *cliCalculation) Status() model.CalculationStatus {
	if !c.finished() {
		return model.StatusRunning
	}
	if c.cancelled.Load() {
		return model.StatusCancelled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == 0 && c.waitErr == nil {
		return model.StatusCompleted
	}
	return model.StatusFailed
}

func (c *cliCalculation) Details() model.CalculationStatusDetails {
	d := model.CalculationStatusDetails{
		CalculationID: c.id,
		Status:        c.Status(),
		ExtraInfo:     map[string]any{"returncode": nil},
	}
	if !c.finished() {
		return d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.output == nil {
		stderr := c.stderr.String()
		if c.waitErr != nil {
			stderr += c.waitErr.Error()
		}
		c.output = &[2]string{c.stdout.String(), stderr}
	}
	d.Stdout, d.Stderr = c.output[0], c.output[1]
	d.ExtraInfo["returncode"] = c.exitCode
	return d
}

// Terminate kills the process. The calculation ends cancelled unless it
// had already finished.
func (c *cliCalculation) Terminate() {
	if c.finished() {
		return
	}
	c.cancelled.Store(true)
	_ = c.cmd.Process.Kill()
}
