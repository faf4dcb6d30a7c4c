package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	execute "github.com/alexellis/go-execute/v2"
)

// ErrNonZeroExit is returned by RunCommand when the process exits with a non-zero code.
var ErrNonZeroExit = errors.New("non-zero exit code")

// CommandResult is the captured output of one external process.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CheckBinary verifies that binary is on PATH and answers to args (usually --version)
// within timeout.
func CheckBinary(ctx context.Context, binary string, timeout time.Duration, args ...string) error {
	if binary == "" {
		return fmt.Errorf("no binary configured")
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%s not found on PATH: %w", binary, err)
	}
	if len(args) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := RunCommand(ctx, nil, binary, args, "")
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s health check timed out after %v", binary, timeout)
		}
		return fmt.Errorf("%s not working (exit %d): %w", binary, res.ExitCode, err)
	}
	return nil
}

// RunCommand executes binary with args in cwd and waits for it.
// A nil logger disables logging.
func RunCommand(ctx context.Context, logger *slog.Logger, binary string, args []string, cwd string) (CommandResult, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Debug("executing", "command", binary, "args", args, "dir", cwd)

	task := execute.ExecTask{
		Command: binary,
		Args:    args,
		Cwd:     cwd,
	}
	result, err := task.Execute(ctx)
	out := CommandResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}
	if err != nil {
		logger.Error("command execution failed", "command", binary, "error", err)
		return out, err
	}
	if result.ExitCode != 0 {
		logger.Warn("command exited with non-zero code", "command", binary, "code", result.ExitCode, "stderr", Tail(result.Stderr, 400))
		return out, ErrNonZeroExit
	}
	return out, nil
}

// Tail returns at most the last n bytes of s.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
