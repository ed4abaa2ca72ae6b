package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/logging"
)

// DefaultSmokeTimeout bounds the post-build run of the application.
const DefaultSmokeTimeout = 10 * time.Second

const smokeOutputLimit = 1000

// Result is the outcome of one build invocation.
type Result struct {
	Success    bool
	Log        string
	ErrorCodes []string
}

// SmokeResult is the outcome of running the built application briefly.
type SmokeResult struct {
	Success bool
	Output  string
}

// Dotnet wraps the dotnet CLI.
type Dotnet struct {
	runner       Runner
	timeout      time.Duration
	smokeTimeout time.Duration
	log          *zap.Logger
}

// NewDotnet returns a Dotnet using runner. timeout bounds each restore,
// build and list invocation; zero means no bound.
func NewDotnet(runner Runner, timeout time.Duration, log *zap.Logger) *Dotnet {
	if runner == nil {
		runner = ExecRunner{}
	}
	log = logging.OrNop(log)
	return &Dotnet{runner: runner, timeout: timeout, smokeTimeout: DefaultSmokeTimeout, log: log}
}

// target splits ref into a working directory and the positional argument
// naming the project: a manifest path is passed explicitly, a directory is
// used as the working directory.
func target(ref string) (dir string, args []string) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return ref, nil
	}
	return filepath.Dir(ref), []string{ref}
}

func (d *Dotnet) run(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	out, code, err := d.runner.Run(ctx, dir, "dotnet", args...)
	d.log.Debug("dotnet",
		zap.Strings("args", args),
		zap.String("dir", dir),
		zap.Int("exit_code", code),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return out, code, err
}

// Restore restores packages for ref and returns the log.
func (d *Dotnet) Restore(ctx context.Context, ref string) string {
	dir, args := target(ref)
	out, _, err := d.run(ctx, d.timeout, dir, append([]string{"restore"}, args...)...)
	if err != nil {
		out = appendErr(out, "restore", err)
	}
	return out
}

// Build compiles ref. Success comes from the exit status; when the process
// produced none the log banner decides, and an invocation error is
// appended to the log.
func (d *Dotnet) Build(ctx context.Context, ref string) Result {
	dir, args := target(ref)
	args = append(append([]string{"build"}, args...), "--nologo", "-v", "m")
	out, code, err := d.run(ctx, d.timeout, dir, args...)

	r := Result{Log: out}
	if err != nil {
		r.Success = ctx.Err() == nil && LogIndicatesSuccess(out) && !isDeadline(err)
		r.Log = appendErr(out, "build", err)
	} else {
		r.Success = code == 0
	}
	r.ErrorCodes = ExtractErrorCodes(r.Log)
	return r
}

// ListOutdated returns the JSON report of outdated packages for ref, or
// the tool output when listing fails.
func (d *Dotnet) ListOutdated(ctx context.Context, ref string) string {
	dir, args := target(ref)
	args = append(append([]string{"list"}, args...), "package", "--outdated", "--include-transitive", "--format", "json")
	out, _, err := d.run(ctx, d.timeout, dir, args...)
	if err != nil {
		out = appendErr(out, "list outdated", err)
	}
	return out
}

// SmokeRun runs the already-built application in dir for a short bounded
// time. Hitting the bound counts as failure.
func (d *Dotnet) SmokeRun(ctx context.Context, dir string) SmokeResult {
	out, code, err := d.run(ctx, d.smokeTimeout, dir, "run", "--no-build")
	if err != nil {
		out = appendErr(out, "run", err)
	}
	if len(out) > smokeOutputLimit {
		out = out[:smokeOutputLimit]
	}
	return SmokeResult{Success: err == nil && code == 0, Output: out}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func appendErr(log, op string, err error) string {
	if log != "" && log[len(log)-1] != '\n' {
		log += "\n"
	}
	return log + fmt.Sprintf("dotnet %s failed: %v\n", op, err)
}
