// Package verifier drives a failing build toward success: it parses the
// compiler errors, applies deterministic fixes for the ones it knows,
// escalates the rest to the generative oracle and rebuilds, for a bounded
// number of passes.
package verifier

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/build"
	"github.com/joestump/upgrade-ops/internal/oracle"
)

// DefaultMaxRetries is the default number of fix passes.
const DefaultMaxRetries = 3

// Builder compiles a project.
type Builder interface {
	Build(ctx context.Context, ref string) build.Result
}

type state int

const (
	stateBuild state = iota
	stateParseErrors
	stateAttemptFix
	stateSuccess
	stateAbort
)

func (s state) String() string {
	switch s {
	case stateBuild:
		return "BUILD"
	case stateParseErrors:
		return "PARSE_ERRORS"
	case stateAttemptFix:
		return "ATTEMPT_FIX"
	case stateSuccess:
		return "SUCCESS"
	case stateAbort:
		return "ABORT"
	}
	return "UNKNOWN"
}

// Fix describes one edit made during a pass.
type Fix struct {
	Pass   int    `json:"pass"`
	Code   string `json:"code"`
	Source string `json:"source"` // "deterministic" or "oracle"
	Detail string `json:"detail"`
}

// Result is the verifier's verdict. Success and Log always come from the
// last real build.
type Result struct {
	Success    bool     `json:"success"`
	Log        string   `json:"-"`
	ErrorCodes []string `json:"errorCodes"`
	Passes     int      `json:"passes"`
	Fixes      []Fix    `json:"fixes"`
	// Reason explains how the loop ended.
	Reason string `json:"reason"`
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the verifier's logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.log = l
		}
	}
}

// WithOracle enables escalation of unknown errors to o.
func WithOracle(o oracle.Oracle) Option {
	return func(v *Verifier) { v.oracle = o }
}

// WithMaxRetries bounds the number of fix passes.
func WithMaxRetries(n int) Option {
	return func(v *Verifier) {
		if n >= 0 {
			v.maxRetries = n
		}
	}
}

// WithBeforeWrite registers a hook called with every file path before the
// verifier overwrites it. An error from the hook skips the edit.
func WithBeforeWrite(fn func(path string) error) Option {
	return func(v *Verifier) { v.beforeWrite = fn }
}

// Verifier runs the build-fix loop for one project.
type Verifier struct {
	builder     Builder
	oracle      oracle.Oracle
	log         *zap.Logger
	maxRetries  int
	beforeWrite func(path string) error
}

// New returns a Verifier building with b.
func New(b Builder, opts ...Option) *Verifier {
	v := &Verifier{
		builder:    b,
		log:        zap.NewNop(),
		maxRetries: DefaultMaxRetries,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify builds the project whose manifest is at manifest and iterates
// until the build succeeds, a pass makes no progress, the log holds no
// parseable errors, or the pass budget is spent. In the last case the
// result of one final build is returned.
func (v *Verifier) Verify(ctx context.Context, manifest string) Result {
	p := &pass{v: v, dir: filepath.Dir(manifest), manifest: manifest}

	var (
		res   Result
		last  build.Result
		diags []build.Diagnostic
		st    = stateBuild
	)
	for {
		v.log.Debug("verifier state", zap.Stringer("state", st), zap.Int("pass", res.Passes))
		switch st {
		case stateBuild:
			last = v.builder.Build(ctx, manifest)
			switch {
			case last.Success:
				st = stateSuccess
			case res.Passes >= v.maxRetries:
				res.Reason = "retries exhausted"
				return v.finish(res, last)
			default:
				st = stateParseErrors
			}

		case stateParseErrors:
			diags = build.ParseDiagnostics(last.Log)
			if len(diags) == 0 {
				res.Reason = "no parseable errors"
				st = stateAbort
			} else {
				st = stateAttemptFix
			}

		case stateAttemptFix:
			res.Passes++
			fixes := p.run(ctx, res.Passes, diags)
			res.Fixes = append(res.Fixes, fixes...)
			v.log.Info("verifier pass",
				zap.Int("pass", res.Passes),
				zap.Int("errors", len(diags)),
				zap.Int("fixes", len(fixes)),
			)
			if len(fixes) == 0 {
				res.Reason = "no progress"
				st = stateAbort
			} else {
				st = stateBuild
			}

		case stateSuccess:
			res.Reason = "build succeeded"
			return v.finish(res, last)

		case stateAbort:
			return v.finish(res, last)
		}
	}
}

func (v *Verifier) finish(res Result, last build.Result) Result {
	res.Success = last.Success
	res.Log = last.Log
	res.ErrorCodes = last.ErrorCodes
	if res.ErrorCodes == nil {
		res.ErrorCodes = build.ExtractErrorCodes(last.Log)
	}
	v.log.Info("verifier finished",
		zap.Bool("success", res.Success),
		zap.Int("passes", res.Passes),
		zap.String("reason", res.Reason),
	)
	return res
}
