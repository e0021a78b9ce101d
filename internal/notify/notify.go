// Package notify runs the optional per-profile command after a job succeeds.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrEmptyCommand is returned when no command template is configured.
var ErrEmptyCommand = errors.New("empty notify command")

// Expand substitutes %i and %o with the shell-quoted input and output paths.
func Expand(template, input, output string) string {
	r := strings.NewReplacer("%i", quote(input), "%o", quote(output))
	return r.Replace(template)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Notifier launches notify commands through the shell.
type Notifier struct {
	shell  string
	logger *slog.Logger
}

// New creates a Notifier using /bin/sh.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{shell: "/bin/sh", logger: logger.With("component", "notify")}
}

// Run starts the expanded command and returns without waiting for it.
// The returned channel yields the command's exit error once it finishes.
func (n *Notifier) Run(ctx context.Context, template, input, output string) (<-chan error, error) {
	if strings.TrimSpace(template) == "" {
		return nil, ErrEmptyCommand
	}
	command := Expand(template, input, output)
	cmd := exec.CommandContext(ctx, n.shell, "-c", command)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	n.logger.Info("notify command started", "command", command, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if err != nil {
			n.logger.Warn("notify command failed", "command", command, "error", err)
		}
		done <- err
		close(done)
	}()
	return done, nil
}
