// Package build drives the external dotnet toolchain. It treats the
// toolchain as an opaque oracle: the exit status decides success and the
// combined output is kept as the log.
package build

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// Runner abstracts process execution so tests can substitute a fake.
// Run returns the combined output and the exit code. err is non-nil only
// when no exit status is available: the process could not start or was
// killed because ctx ended.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (output string, exitCode int, err error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

// Run starts name in its own process group so that a timeout kills the
// whole tree (dotnet spawns build servers and test hosts).
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out.String(), -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return out.String(), -1, err
	}
	return out.String(), 0, nil
}
