package execution

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// GUIOpener hands an interactive session over to a GUI.
type GUIOpener interface {
	Open(ctx context.Context, url, calculationID string) error
}

// NewGUIOpener returns an opener that runs command with the url appended,
// or one that only logs the url when command is empty.
func NewGUIOpener(command string, logger *slog.Logger) GUIOpener {
	if command == "" {
		return LogOpener{Logger: logger}
	}
	return CommandOpener{Command: command, Logger: logger}
}

// LogOpener logs the GUI url for an operator to open.
type LogOpener struct {
	Logger *slog.Logger
}

func (o LogOpener) Open(_ context.Context, url, calculationID string) error {
	o.Logger.Info("execution: interactive session ready", "calculation_id", calculationID, "gui_url", url)
	return nil
}

// CommandOpener runs a shell command to open the GUI and does not wait for it.
type CommandOpener struct {
	Command string
	Logger  *slog.Logger
}

func (o CommandOpener) Open(_ context.Context, url, calculationID string) error {
	cmd := exec.Command("sh", "-c", o.Command+` "$1"`, "qcrbox-gui", url)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("execution: open gui: %w", err)
	}
	o.Logger.Info("execution: opened gui", "calculation_id", calculationID, "gui_url", url, "pid", cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			o.Logger.Warn("execution: gui opener exited", "calculation_id", calculationID, "error", err)
		}
	}()
	return nil
}
