package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joestump/upgrade-ops/internal/build"
	"github.com/joestump/upgrade-ops/internal/hub"
	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/metrics"
	"github.com/joestump/upgrade-ops/internal/oracle"
	"github.com/joestump/upgrade-ops/internal/outcome"
	"github.com/joestump/upgrade-ops/internal/report"
	"github.com/joestump/upgrade-ops/internal/rules"
)

const demoManifest = `<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <OutputType>Exe</OutputType>
    <TargetFramework>net48</TargetFramework>
  </PropertyGroup>
  <ItemGroup>
    <PackageReference Include="Newtonsoft.Json" Version="12.0.1" />
  </ItemGroup>
</Project>
`

const demoSource = `class Program {
    static void Main() {
        Foo.Bar();
    }
}
`

// fakeDotnet builds successfully once Program.cs no longer mentions the
// broken API.
type fakeDotnet struct {
	mu        sync.Mutex
	broken    string
	alwaysErr string
	restored  []string
	sources   []string
	smoked    []string
}

func (f *fakeDotnet) Restore(_ context.Context, ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, ref)
	return "Restore complete"
}

func (f *fakeDotnet) Build(_ context.Context, ref string) build.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, _ := os.ReadFile(filepath.Join(filepath.Dir(ref), "Program.cs"))
	f.sources = append(f.sources, string(src))
	if f.alwaysErr != "" {
		return build.Result{Log: f.alwaysErr, ErrorCodes: build.ExtractErrorCodes(f.alwaysErr)}
	}
	if strings.Contains(string(src), f.broken) {
		log := "Program.cs(3,9): error CS0103: The name 'Foo' does not exist in the current context"
		return build.Result{Log: log, ErrorCodes: []string{"CS0103"}}
	}
	return build.Result{Success: true, Log: "Build succeeded.\n    0 Error(s)"}
}

func (f *fakeDotnet) ListOutdated(context.Context, string) string { return `{"projects":[]}` }

func (f *fakeDotnet) SmokeRun(_ context.Context, dir string) build.SmokeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smoked = append(f.smoked, dir)
	return build.SmokeResult{Success: true, Output: "Hello"}
}

func (f *fakeDotnet) builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

type fixedRules []rules.Rule

func (r fixedRules) Generate(context.Context, rules.Input) []rules.Rule { return r }

type panicRules struct{}

func (panicRules) Generate(context.Context, rules.Input) []rules.Rule { panic("generator exploded") }

type captureStore struct{ records []memory.Record }

func (c *captureStore) Record(_ context.Context, r memory.Record) { c.records = append(c.records, r) }

func writeProject(t *testing.T, dir, name, manifest, source string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name+".csproj")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Program.cs"), []byte(source), 0o644))
	return path
}

func newTestPipeline(cfg Config, dotnet BuildOracle, rs RuleSource, store outcome.Store, orc oracle.Oracle) (*Pipeline, *metrics.Metrics) {
	m := metrics.New()
	runs := 0
	var rec *outcome.Recorder
	if store != nil {
		rec = outcome.NewRecorder(store, nil)
	}
	p := New(cfg, Deps{
		Dotnet:   dotnet,
		Rules:    rs,
		Oracle:   orc,
		Recorder: rec,
		Metrics:  m,
		Clock:    func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC) },
		NewRunID: func() string { runs++; return fmt.Sprintf("run-%d", runs) },
	})
	return p, m
}

var fooRule = rules.Rule{
	ID: "AUTO-R000", Pattern: "Foo.Bar", Recommendation: "Foo.Baz",
	Confidence: 0.9, Autofix: true, Provenance: rules.Generated,
}

func TestRunProjectAutofixFixesBuild(t *testing.T) {
	src := t.TempDir()
	manifest := writeProject(t, src, "DemoApp", demoManifest, demoSource)
	out := t.TempDir()
	dotnet := &fakeDotnet{broken: "Foo.Bar"}
	store := &captureStore{}
	p, m := newTestPipeline(Config{OutputDir: out}, dotnet, fixedRules{fooRule}, store, nil)

	res := p.RunProject(context.Background(), src, manifest, out)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "DemoApp", res.Name)
	assert.Equal(t, []string{"AUTO-R000"}, res.Applied)
	assert.Equal(t, 2, dotnet.builds(), "initial and post-fix builds only")

	// The input tree is never written and the workspace is gone.
	orig, err := os.ReadFile(filepath.Join(src, "Program.cs"))
	require.NoError(t, err)
	assert.Equal(t, demoSource, string(orig))
	require.Len(t, dotnet.restored, 1)
	_, err = os.Stat(dotnet.restored[0])
	assert.True(t, os.IsNotExist(err), "workspace should be removed")

	// The post-fix build saw the rewritten source.
	assert.Contains(t, dotnet.sources[1], "Foo.Baz")

	require.Len(t, store.records, 1)
	assert.Equal(t, memory.Record{
		RuleID: "AUTO-R000", Pattern: "Foo.Bar", Recommendation: "Foo.Baz",
		Project: "DemoApp", ErrorCodes: nil, Success: true, Confidence: 0.9,
	}, store.records[0])

	md, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "- Final build status: Success")
	assert.Contains(t, string(md), "autofix applied 1 rule(s)")
	assert.Contains(t, string(md), report.FallbackRecommendations)
	_, err = os.Stat(filepath.Join(out, report.HTMLFile))
	assert.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Projects.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RulesApplied))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryRecords))
}

func TestRunProjectFollowStreamsEvents(t *testing.T) {
	src := t.TempDir()
	manifest := writeProject(t, src, "DemoApp", demoManifest, demoSource)
	out := t.TempDir()
	h := hub.NewWithCapacity(3)
	var follow bytes.Buffer
	p := New(Config{OutputDir: out}, Deps{
		Dotnet:   &fakeDotnet{broken: "Foo.Bar"},
		Rules:    fixedRules{fooRule},
		Hub:      h,
		Follow:   &follow,
		NewRunID: func() string { return "run-follow" },
	})

	res := p.RunProject(context.Background(), src, manifest, out)
	require.NoError(t, res.Err)

	// Every event reaches the follower even though the buffer only kept three.
	streamed := follow.String()
	assert.Contains(t, streamed, "[DemoApp.csproj] ")
	assert.Contains(t, streamed, "project DemoApp")
	assert.Contains(t, streamed, "final status: Success")

	md, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "earlier lines omitted")
	assert.NotContains(t, string(md), "project DemoApp (")
	assert.Contains(t, string(md), "final status: Success")

	assert.Nil(t, h.Lines("run-follow"), "finished runs are dropped from the hub")
}

func TestRunProjectSafeModeRevertsEdits(t *testing.T) {
	src := t.TempDir()
	manifest := writeProject(t, src, "DemoApp", demoManifest, demoSource)
	out := t.TempDir()
	dotnet := &fakeDotnet{alwaysErr: "error CS9999: unsupported construct"}
	store := &captureStore{}
	p, m := newTestPipeline(Config{OutputDir: out, SafeMode: true, MaxRetries: 2}, dotnet, fixedRules{fooRule}, store, nil)

	res := p.RunProject(context.Background(), src, manifest, out)
	require.NoError(t, res.Err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Applied)

	// initial, post-fix, one verifier build (no progress), safe-mode rebuild
	require.Equal(t, 4, dotnet.builds())
	assert.Contains(t, dotnet.sources[1], "Foo.Baz")
	assert.Equal(t, demoSource, dotnet.sources[3], "safe mode must restore the original source")

	require.Len(t, store.records, 1)
	assert.False(t, store.records[0].Success)
	assert.Equal(t, []string{"CS9999"}, store.records[0].ErrorCodes)

	md, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "Safe mode: edits reverted")
	assert.Contains(t, string(md), "## Verifier")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Builds.WithLabelValues("safe-mode", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Projects.WithLabelValues("failure")))
}

func TestRunProjectSmokeTestAndSummary(t *testing.T) {
	src := t.TempDir()
	manifest := writeProject(t, src, "DemoApp", demoManifest, demoSource)
	out := t.TempDir()
	dotnet := &fakeDotnet{broken: "Foo.Bar"}
	orc := oracle.Func(func(_ context.Context, prompt string, _ int, _ float64) (string, error) {
		return "- Replace Newtonsoft.Json with System.Text.Json", nil
	})
	p, m := newTestPipeline(Config{OutputDir: out, SmokeTest: true, Summary: true}, dotnet, fixedRules{fooRule}, nil, orc)

	res := p.RunProject(context.Background(), src, manifest, out)
	require.NoError(t, res.Err)
	require.True(t, res.Success)
	require.Len(t, dotnet.smoked, 1)

	md, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "## Runtime Test")
	assert.Contains(t, string(md), "- Replace Newtonsoft.Json with System.Text.Json")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OracleCalls.WithLabelValues("ok")))
}

func TestRunProjectRecoversFromPanic(t *testing.T) {
	src := t.TempDir()
	manifest := writeProject(t, src, "DemoApp", demoManifest, demoSource)
	out := t.TempDir()
	dotnet := &fakeDotnet{broken: "Foo.Bar"}
	p, m := newTestPipeline(Config{OutputDir: out}, dotnet, panicRules{}, nil, nil)

	res := p.RunProject(context.Background(), src, manifest, out)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "generator exploded")
	assert.False(t, res.Success)

	assert.Equal(t, filepath.Join(out, "crash_20261015_093000.log"), res.CrashPath)
	crash, err := os.ReadFile(res.CrashPath)
	require.NoError(t, err)
	assert.Contains(t, string(crash), "panic: generator exploded")

	require.Len(t, dotnet.restored, 1)
	_, err = os.Stat(dotnet.restored[0])
	assert.True(t, os.IsNotExist(err), "workspace should be removed after a panic")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Projects.WithLabelValues("error")))
}

func TestRunAllOrdersAndContinuesAfterFailure(t *testing.T) {
	root := t.TempDir()
	writeProject(t, filepath.Join(root, "Core"), "Core", demoManifest, demoSource)
	app := strings.Replace(demoManifest, "</Project>",
		"  <ItemGroup>\n    <ProjectReference Include=\"..\\Core\\Core.csproj\" />\n  </ItemGroup>\n</Project>", 1)
	writeProject(t, filepath.Join(root, "App"), "App", app, demoSource)
	writeProject(t, filepath.Join(root, "Broken"), "Broken", "<Project", demoSource)

	out := t.TempDir()
	dotnet := &fakeDotnet{broken: "Foo.Bar"}
	p, _ := newTestPipeline(Config{OutputDir: out}, dotnet, fixedRules{fooRule}, nil, nil)

	results, err := p.RunAll(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, results, 3)

	var order []string
	for _, r := range results {
		order = append(order, filepath.Base(r.Manifest))
	}
	assert.Equal(t, []string{"Broken.csproj", "Core.csproj", "App.csproj"}, order)

	assert.Error(t, results[0].Err)
	assert.FileExists(t, results[0].CrashPath)
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, filepath.Join(out, "App", "App", report.MarkdownFile), results[2].ReportPath)
}

func TestRunAllNoProjects(t *testing.T) {
	p, _ := newTestPipeline(Config{OutputDir: t.TempDir()}, &fakeDotnet{}, fixedRules{}, nil, nil)
	_, err := p.RunAll(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestRegressionCheck(t *testing.T) {
	dir := t.TempDir()
	manifest := writeProject(t, dir, "DemoApp", demoManifest, "Foo.Bar(); Foo.Bar();")
	dotnet := &fakeDotnet{broken: "Foo.Bar"}
	c := newRegressionCheck(dotnet, manifest, build.Result{Log: "error CS0103: a\nerror CS0103: b"})

	assert.True(t, c.Check(context.Background(), dir), "one diagnostic is not a regression from two")
	assert.Equal(t, 1, c.baseline)

	dotnet.alwaysErr = "error CS0103: a\nerror CS0246: b\nerror CS1002: c"
	assert.False(t, c.Check(context.Background(), dir))
	assert.Equal(t, 1, c.baseline)
}
