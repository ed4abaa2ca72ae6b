// Package pipeline runs the upgrade of one or many .NET projects: retarget,
// diagnose, generate rules, autofix, verify, learn and report. Each
// project is isolated in its own workspace and a failure in one never
// stops the others.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/autofix"
	"github.com/joestump/upgrade-ops/internal/build"
	"github.com/joestump/upgrade-ops/internal/hub"
	"github.com/joestump/upgrade-ops/internal/metrics"
	"github.com/joestump/upgrade-ops/internal/oracle"
	"github.com/joestump/upgrade-ops/internal/outcome"
	"github.com/joestump/upgrade-ops/internal/project"
	"github.com/joestump/upgrade-ops/internal/report"
	"github.com/joestump/upgrade-ops/internal/rules"
	"github.com/joestump/upgrade-ops/internal/scan"
	"github.com/joestump/upgrade-ops/internal/verifier"
)

// DefaultTargetFramework is the framework projects are moved to.
const DefaultTargetFramework = "net9.0"

// BuildOracle is the dotnet surface the pipeline drives.
type BuildOracle interface {
	Restore(ctx context.Context, ref string) string
	Build(ctx context.Context, ref string) build.Result
	ListOutdated(ctx context.Context, ref string) string
	SmokeRun(ctx context.Context, dir string) build.SmokeResult
}

// RuleSource produces the learned and generated rules for a project.
type RuleSource interface {
	Generate(ctx context.Context, in rules.Input) []rules.Rule
}

// Config holds the per-invocation switches.
type Config struct {
	TargetFramework  string
	RulesFile        string
	OutputDir        string
	MaxRetries       int
	SafeMode         bool
	IncrementalCheck bool
	SmokeTest        bool
	Summary          bool
}

// Deps are the collaborators a Pipeline drives. Dotnet and Rules are
// required. A nil Oracle disables escalation and summaries, a nil
// Recorder disables learning, a nil Follow streams nothing, and the rest
// default.
type Deps struct {
	Dotnet   BuildOracle
	Rules    RuleSource
	Scanner  *scan.Scanner
	Oracle   oracle.Oracle
	Recorder *outcome.Recorder
	Hub      *hub.Hub
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
	NewRunID func() string
	// Follow, when set, receives every run's events as they happen.
	Follow io.Writer
}

// Pipeline runs projects.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New returns a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.TargetFramework == "" {
		cfg.TargetFramework = DefaultTargetFramework
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = verifier.DefaultMaxRetries
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if deps.Hub == nil {
		deps.Hub = hub.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Scanner == nil {
		deps.Scanner = scan.NewScanner(deps.Logger)
	}
	if deps.Oracle != nil {
		deps.Oracle = countingOracle{next: deps.Oracle, m: deps.Metrics}
	}
	return &Pipeline{cfg: cfg, deps: deps, log: deps.Logger}
}

// ProjectResult is the outcome of one project run.
type ProjectResult struct {
	RunID      string
	Manifest   string
	Name       string
	Success    bool
	Applied    []string
	ReportPath string
	CrashPath  string
	Err        error
}

// RunAll discovers every manifest under root, orders them so referenced
// projects come first and runs each one. Per-project failures are
// recorded in the results and do not stop the run; only discovery errors
// are returned.
func (p *Pipeline) RunAll(ctx context.Context, root string) ([]ProjectResult, error) {
	paths, err := project.Discover(root)
	if err != nil {
		return nil, fmt.Errorf("discover projects: %w", err)
	}
	srcRoot := root
	if strings.EqualFold(filepath.Ext(root), ".csproj") {
		srcRoot = filepath.Dir(root)
	}
	srcRoot, err = filepath.Abs(srcRoot)
	if err != nil {
		return nil, err
	}

	refs := make(map[string][]string, len(paths))
	for _, path := range paths {
		if m, err := project.ParseManifest(path); err == nil {
			refs[path] = m.ProjectRefs
		}
	}
	ordered, cyclic := project.Order(paths, refs)
	if len(cyclic) > 0 {
		p.log.Warn("project reference cycle, running in path order", zap.Strings("projects", cyclic))
	}

	results := make([]ProjectResult, 0, len(ordered))
	for _, path := range ordered {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		outDir := p.cfg.OutputDir
		if len(ordered) > 1 {
			rel, err := filepath.Rel(srcRoot, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			outDir = filepath.Join(outDir, strings.TrimSuffix(rel, filepath.Ext(rel)))
		}
		res := p.RunProject(ctx, srcRoot, path, outDir)
		if res.Err != nil {
			p.log.Error("project failed",
				zap.String("manifest", path),
				zap.String("crash_log", res.CrashPath),
				zap.Error(res.Err),
			)
		}
		results = append(results, res)
	}
	return results, nil
}

// RunProject upgrades the project at manifest, copied with the rest of
// srcRoot into a temporary workspace, and writes its report under outDir.
// It never panics: a panic or setup error is returned in the result and
// written to a crash log, and the workspace is always removed.
func (p *Pipeline) RunProject(ctx context.Context, srcRoot, manifest, outDir string) (res ProjectResult) {
	res = ProjectResult{RunID: p.deps.NewRunID(), Manifest: manifest}
	start := p.deps.Clock()
	log := p.log.With(zap.String("run_id", res.RunID), zap.String("manifest", manifest))
	followed := p.follow(res.RunID, filepath.Base(manifest))

	defer func() {
		var stack []byte
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
			res.Success = false
			stack = debug.Stack()
		}
		p.deps.Hub.Close(res.RunID)
		<-followed
		p.deps.Hub.Remove(res.RunID)
		p.deps.Metrics.Duration.Observe(p.deps.Clock().Sub(start).Seconds())
		switch {
		case res.Err != nil:
			p.deps.Metrics.Projects.WithLabelValues("error").Inc()
			path, err := report.WriteCrash(outDir, p.deps.Clock(), res.Err, stack)
			if err != nil {
				log.Error("crash log not written", zap.Error(err))
			}
			res.CrashPath = path
		case res.Success:
			p.deps.Metrics.Projects.WithLabelValues("success").Inc()
		default:
			p.deps.Metrics.Projects.WithLabelValues("failure").Inc()
		}
	}()

	r := &run{p: p, id: res.RunID, log: log, outDir: outDir}
	res.Err = r.execute(ctx, srcRoot, manifest, &res)
	return res
}

// follow streams the run's events to the Follow writer, each prefixed
// with label. The returned channel closes once the run's hub buffer is
// closed and every line was written.
func (p *Pipeline) follow(runID, label string) <-chan struct{} {
	done := make(chan struct{})
	if p.deps.Follow == nil {
		close(done)
		return done
	}
	lines, cancel := p.deps.Hub.Subscribe(runID)
	go func() {
		defer close(done)
		defer cancel()
		for line := range lines {
			fmt.Fprintf(p.deps.Follow, "[%s] %s\n", label, line)
		}
	}()
	return done
}

// run carries the state of one project run.
type run struct {
	p      *Pipeline
	id     string
	log    *zap.Logger
	outDir string
}

// event records a pipeline step in the run's buffer and the log.
func (r *run) event(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.p.deps.Hub.Publish(r.id, r.p.deps.Clock().Format("15:04:05")+" "+msg)
	r.log.Info(msg)
}

func (r *run) execute(ctx context.Context, srcRoot, manifest string, res *ProjectResult) error {
	p, d := r.p, r.p.deps

	m, err := project.ParseManifest(manifest)
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	res.Name = m.Name
	typ := project.DetectType(m)
	r.event("project %s (%s, %s)", m.Name, typ, orUnknown(m.TargetFramework))
	r.log.Debug("package references", zap.Strings("packages", m.PackageNames()))

	ws, err := project.NewWorkspace(srcRoot, manifest)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			r.log.Warn("workspace cleanup failed", zap.String("dir", ws.Root), zap.Error(err))
		}
	}()

	if _, err := project.Retarget(ws.Manifest, p.cfg.TargetFramework); err != nil {
		return fmt.Errorf("retarget: %w", err)
	}
	r.event("retargeted to %s", p.cfg.TargetFramework)

	d.Dotnet.Restore(ctx, ws.Manifest)
	initial := d.Dotnet.Build(ctx, ws.Manifest)
	d.Metrics.ObserveBuild("initial", initial.Success)
	r.event("initial build: %s, %d error code(s)", buildStatus(initial.Success), len(initial.ErrorCodes))

	patterns, err := d.Scanner.ScanDir(ctx, ws.Dir)
	if err != nil {
		r.log.Warn("pattern scan failed", zap.Error(err))
	}
	r.event("detected %d code pattern(s)", len(patterns))

	dynamic := d.Rules.Generate(ctx, rules.Input{
		Project:      m,
		ProjectType:  typ,
		Diagnostics:  initial.Log,
		ErrorCodes:   initial.ErrorCodes,
		CodePatterns: patterns,
	})
	countRules(d.Metrics, dynamic)
	r.event("generated %d rule(s)", len(dynamic))

	static := rules.LoadFile(p.cfg.RulesFile, r.log)
	matched := rules.MatchPackages(m.Packages, static)
	for _, mt := range matched {
		d.Metrics.Rules.WithLabelValues(string(rules.Static)).Inc()
		r.event("static rule %s matches package %s", mt.Rule.ID, mt.Package)
	}

	outdated := d.Dotnet.ListOutdated(ctx, ws.Manifest)

	// Backups live next to the copied tree, never inside it.
	opts := []autofix.Option{autofix.WithLogger(r.log)}
	if p.cfg.IncrementalCheck {
		opts = append(opts, autofix.WithChecker(newRegressionCheck(d.Dotnet, ws.Manifest, initial)))
	}
	exec, err := autofix.NewExecutor(filepath.Join(ws.Root, "backups"), opts...)
	if err != nil {
		return err
	}
	applied := exec.Apply(ctx, ws.Dir, dynamic)
	res.Applied = applied
	d.Metrics.RulesApplied.Add(float64(len(applied)))
	r.event("autofix applied %d rule(s)", len(applied))

	final := d.Dotnet.Build(ctx, ws.Manifest)
	d.Metrics.ObserveBuild("post-fix", final.Success)
	r.event("post-fix build: %s", buildStatus(final.Success))

	var vres *verifier.Result
	if !final.Success {
		v := verifier.New(d.Dotnet,
			verifier.WithLogger(r.log),
			verifier.WithOracle(d.Oracle),
			verifier.WithMaxRetries(p.cfg.MaxRetries),
			verifier.WithBeforeWrite(func(path string) error { return exec.Snapshot(ws.Dir, path) }),
		)
		out := v.Verify(ctx, ws.Manifest)
		vres = &out
		d.Metrics.VerifierPasses.Observe(float64(out.Passes))
		d.Metrics.ObserveBuild("verifier", out.Success)
		final = build.Result{Success: out.Success, Log: out.Log, ErrorCodes: out.ErrorCodes}
		r.event("verifier: %s after %d pass(es), %s", buildStatus(out.Success), out.Passes, out.Reason)
	}

	safeMode := false
	if !final.Success && p.cfg.SafeMode {
		safeMode = true
		if err := exec.RevertAll(); err != nil {
			r.log.Warn("safe mode revert incomplete", zap.Error(err))
		}
		pkg := packageRules(dynamic, matched)
		reapplied := exec.Apply(ctx, ws.Dir, pkg)
		res.Applied = reapplied
		final = d.Dotnet.Build(ctx, ws.Manifest)
		d.Metrics.ObserveBuild("safe-mode", final.Success)
		r.event("safe mode: reverted edits, re-applied %d package rule(s), build %s", len(reapplied), buildStatus(final.Success))
	}

	var smoke *build.SmokeResult
	if final.Success {
		exec.Confirm()
		if p.cfg.SmokeTest {
			s := d.Dotnet.SmokeRun(ctx, ws.Dir)
			smoke = &s
			r.event("runtime smoke test: %s", buildStatus(s.Success))
		}
	}

	considered := make([]rules.Rule, 0, len(dynamic)+len(matched))
	considered = append(considered, dynamic...)
	for _, mt := range matched {
		considered = append(considered, mt.Rule)
	}
	if d.Recorder != nil {
		n := d.Recorder.Record(ctx, considered, outcome.Final{
			Project:    m.Name,
			Success:    final.Success,
			ErrorCodes: final.ErrorCodes,
		})
		d.Metrics.MemoryRecords.Add(float64(n))
	}

	recommendations := report.FallbackRecommendations
	if p.cfg.Summary {
		recommendations = report.NewSummarizer(d.Oracle, r.log).Summarize(ctx, report.SummaryInput{
			Project:     m,
			Rules:       dynamic,
			Matched:     matched,
			Diagnostics: initial.Log,
			FinalLog:    final.Log,
			Success:     final.Success,
		})
	}

	res.Success = final.Success
	r.event("final status: %s", buildStatus(final.Success))

	path, err := report.Write(r.outDir, report.Data{
		RunID:           r.id,
		GeneratedAt:     d.Clock(),
		Project:         m,
		ProjectType:     typ,
		TargetFramework: p.cfg.TargetFramework,
		Rules:           dynamic,
		Matched:         matched,
		Patterns:        patterns,
		Outdated:        outdated,
		Diagnostics:     initial.Log,
		Applied:         res.Applied,
		Verifier:        vres,
		SafeMode:        safeMode,
		Final:           final,
		Smoke:           smoke,
		Recommendations: recommendations,
		PipelineLog:     d.Hub.Lines(r.id),

		PipelineLogDropped: d.Hub.Dropped(r.id),
	})
	res.ReportPath = path
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	r.log.Info("report written", zap.String("path", path))
	return nil
}

// packageRules returns the package-level rules, generated ones first, for
// re-application in safe mode.
func packageRules(dynamic []rules.Rule, matched []rules.Match) []rules.Rule {
	var out []rules.Rule
	for _, r := range dynamic {
		if r.IsPackageRule() {
			out = append(out, r)
		}
	}
	for _, m := range matched {
		if m.Rule.IsPackageRule() {
			out = append(out, m.Rule)
		}
	}
	return out
}

func countRules(m *metrics.Metrics, rs []rules.Rule) {
	for _, r := range rs {
		m.Rules.WithLabelValues(string(r.Provenance)).Inc()
	}
}

func buildStatus(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown framework"
	}
	return s
}
