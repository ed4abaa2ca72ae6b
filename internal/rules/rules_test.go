package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/oracle"
	"github.com/joestump/upgrade-ops/internal/project"
)

type fakeMemory map[string][]memory.Candidate

func (f fakeMemory) Query(_ context.Context, substr string, limit int, _ float64) []memory.Candidate {
	out := f[substr]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func replyWith(s string) oracle.Oracle {
	return oracle.Func(func(context.Context, string, int, float64) (string, error) { return s, nil })
}

func TestParseCandidatesDropsMissingRecommendation(t *testing.T) {
	reply := "Here you go:\n```json\n" + `[
		{"id": "AUTO-R001", "pattern": "Foo.Bar", "issue": "renamed", "recommendation": "Foo.Baz", "confidence": 0.9},
		{"id": "AUTO-R009", "pattern": "Only.Pattern"},
		{"pattern": "Qux", "recommendation": "Quux"}
	]` + "\n```"

	got := ParseCandidates(reply, nil)
	require.Len(t, got, 2)
	assert.Equal(t, Rule{ID: "AUTO-R001", Pattern: "Foo.Bar", Issue: "renamed", Recommendation: "Foo.Baz", Confidence: 0.9, Provenance: Generated}, got[0])
	assert.Equal(t, "AUTO-R002", got[1].ID, "generated id uses the element index")
	assert.Equal(t, defaultIssue, got[1].Issue)
	assert.Equal(t, 0.5, got[1].Confidence)
}

func TestParseCandidatesRejectsBadTypes(t *testing.T) {
	reply := `[
		{"pattern": 42, "recommendation": "x"},
		{"pattern": "A", "recommendation": ["x"]},
		{"pattern": "A", "recommendation": "x", "confidence": "high"},
		{"pattern": "A", "recommendation": "x", "confidence": 1.5},
		{"pattern": "A", "recommendation": "x", "id": 7},
		{"pattern": "   ", "recommendation": "x"},
		"not an object",
		{"pattern": "Keep", "recommendation": "Me", "confidence": 0}
	]`
	got := ParseCandidates(reply, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "Keep", got[0].Pattern)
	assert.Equal(t, 0.0, got[0].Confidence)
}

func TestParseCandidatesSkipsBracketedProse(t *testing.T) {
	reply := "Here are [2] rules:\n[{\"pattern\":\"Foo.Bar\",\"recommendation\":\"Foo.Baz\"}]\nSee [docs]."
	got := ParseCandidates(reply, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "Foo.Bar", got[0].Pattern)
	assert.Equal(t, "Foo.Baz", got[0].Recommendation)
}

func TestParseCandidatesMalformedReply(t *testing.T) {
	for _, reply := range []string{"", "I cannot help with that.", "[{\"pattern\": ", "][", "[1, 2]"} {
		assert.Empty(t, ParseCandidates(reply, nil), "reply %q", reply)
	}
}

func TestGenerateMergesAndFilters(t *testing.T) {
	mem := fakeMemory{
		"CS0246": {
			{Pattern: "SqlConnection", Recommendation: "Microsoft.Data.SqlClient.SqlConnection", Score: 0.95, Samples: 3, AvgSuccess: 1},
			{Pattern: "OldApi", Recommendation: "NewApi", Score: 0.4, Samples: 5, AvgSuccess: 0.4},
		},
		"SqlConnection": {
			{Pattern: "SqlConnection", Recommendation: "Microsoft.Data.SqlClient.SqlConnection", Score: 0.90},
		},
	}
	orc := replyWith(`[
		{"id": "AUTO-R000", "pattern": "Newtonsoft.Json", "recommendation": "System.Text.Json", "confidence": 0.3},
		{"id": "AUTO-R001", "pattern": "Foo.Bar", "recommendation": "Foo.Baz", "confidence": 0.75},
		{"id": "AUTO-R002", "pattern": "Legacy.Thing", "recommendation": "Modern.Thing", "confidence": 0.69}
	]`)

	g := NewGenerator(mem, orc)
	got := g.Generate(context.Background(), Input{
		ErrorCodes:   []string{"CS0246"},
		CodePatterns: []string{"SqlConnection"},
		ProjectType:  project.TypeWebAPI,
	})

	require.Len(t, got, 5)

	assert.Equal(t, Learned, got[0].Provenance)
	assert.Equal(t, "SqlConnection", got[0].Pattern)
	assert.InDelta(t, 0.95, got[0].Confidence, 1e-9, "dedup keeps the best score")
	assert.True(t, got[0].Autofix)

	assert.Equal(t, "OldApi", got[1].Pattern)
	assert.False(t, got[1].Autofix, "learned score below threshold")

	assert.Equal(t, Generated, got[2].Provenance)
	assert.True(t, got[2].Autofix, "safe keyword overrides low confidence")
	assert.True(t, got[3].Autofix, "confidence 0.75 passes the threshold")
	assert.False(t, got[4].Autofix, "confidence 0.69 stays manual")
}

func TestGenerateNonWebProjectKeepsWebRulesManual(t *testing.T) {
	mem := fakeMemory{
		"HttpContext": {{Pattern: "HttpContext.Current", Recommendation: "accessor.HttpContext", Score: 0.99}},
	}
	orc := replyWith(`[
		{"pattern": "Swashbuckle.AspNetCore", "recommendation": "Microsoft.AspNetCore.OpenApi", "confidence": 1},
		{"pattern": "ConfigurationManager.AppSettings", "recommendation": "configuration", "confidence": 0.9}
	]`)

	got := NewGenerator(mem, orc).Generate(context.Background(), Input{
		CodePatterns: []string{"HttpContext"},
		ProjectType:  project.TypeWorker,
	})
	require.Len(t, got, 3)
	assert.False(t, got[0].Autofix)
	assert.False(t, got[1].Autofix)
	assert.True(t, got[2].Autofix)

	// Unknown project types are not second-guessed.
	got = NewGenerator(mem, orc).Generate(context.Background(), Input{
		CodePatterns: []string{"HttpContext"},
		ProjectType:  project.TypeUnknown,
	})
	assert.True(t, got[0].Autofix)
}

func TestGenerateOracleFailureYieldsLearnedOnly(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mem := fakeMemory{"CS0103": {{Pattern: "HttpContext", Recommendation: "X", Score: 0.85}}}
	orc := oracle.Func(func(context.Context, string, int, float64) (string, error) {
		return "", oracle.ErrUnavailable
	})

	got := NewGenerator(mem, orc, WithLogger(zap.New(core))).Generate(context.Background(), Input{ErrorCodes: []string{"CS0103"}})
	require.Len(t, got, 1)
	assert.Equal(t, Learned, got[0].Provenance)
	assert.Equal(t, 1, logs.FilterMessage("rule generation unavailable").Len())
}

func TestGeneratePromptIsTrimmed(t *testing.T) {
	var prompt string
	var tokens int
	orc := oracle.Func(func(_ context.Context, p string, maxTokens int, _ float64) (string, error) {
		prompt, tokens = p, maxTokens
		return "[]", nil
	})
	patterns := make([]string, 50)
	for i := range patterns {
		patterns[i] = "Pattern" + strings.Repeat("x", i)
	}

	NewGenerator(nil, orc).Generate(context.Background(), Input{
		Project:      &project.Manifest{Name: "Demo", TargetFramework: "net48"},
		Diagnostics:  strings.Repeat("d", 20000),
		CodePatterns: patterns,
	})
	assert.Equal(t, generateMaxTokens, tokens)
	assert.Contains(t, prompt, `"name": "Demo"`)
	assert.Contains(t, prompt, patterns[29])
	assert.NotContains(t, prompt, patterns[30])
	assert.NotContains(t, prompt, strings.Repeat("d", maxPromptDiagnostics+1))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	list := filepath.Join(dir, "list.json")
	require.NoError(t, os.WriteFile(list, []byte(`[
		{"id": "PKG-001", "pattern": "^Newtonsoft\\.Json$", "issue": "Prefer STJ", "recommendation": "System.Text.Json", "autofix": true},
		{"id": "PKG-002", "pattern": "^Swashbuckle", "issue": "Swagger moved", "recommendation": "Swashbuckle.AspNetCore"}
	]`), 0o644))
	got := LoadFile(list, nil)
	require.Len(t, got, 2)
	assert.False(t, got[1].Autofix)
	assert.Equal(t, Static, got[0].Provenance)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.True(t, got[0].IsPackageRule())

	wrapped := filepath.Join(dir, "wrapped.json")
	require.NoError(t, os.WriteFile(wrapped, []byte(`{"rules": [{"pattern": "Swashbuckle", "confidence": 0.6}]}`), 0o644))
	got = LoadFile(wrapped, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "RULE-000", got[0].ID)
	assert.Equal(t, 0.6, got[0].Confidence)
}

func TestLoadFileDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)

	assert.Empty(t, LoadFile(filepath.Join(dir, "missing.json"), log))
	assert.Empty(t, LoadFile("", log))

	for name, body := range map[string]string{
		"garbage.json":  "{{{",
		"object.json":   `{"other": []}`,
		"badtype.json":  `[{"pattern": 3}]`,
		"scalar.json":   `"rules"`,
		"nopattern.json": `[
			{"id": "PKG-1", "pattern": "Newtonsoft", "issue": "i", "recommendation": "r"},
			{"id": "PKG-2", "issue": "i", "recommendation": "r"}
		]`,
		"confidence.json": `[{"id": "PKG-3", "pattern": "Swashbuckle", "confidence": 1.5}]`,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		assert.Empty(t, LoadFile(path, log), name)
	}
	assert.Equal(t, 6, logs.FilterMessage("static rules malformed").Len())
}

func TestMatchPackages(t *testing.T) {
	rules := []Rule{
		{ID: "PKG-001", Pattern: "newtonsoft"},
		{ID: "PKG-002", Pattern: "^Swashbuckle"},
		{ID: "BAD", Pattern: "([unclosed"},
	}
	pkgs := []project.PackageRef{
		{Name: "Newtonsoft.Json", Version: "13.0.1"},
		{Name: "Swashbuckle.AspNetCore", Version: "6.2.3"},
		{Name: "Serilog", Version: "2.0.0"},
	}
	got := MatchPackages(pkgs, rules)
	require.Len(t, got, 2)
	assert.Equal(t, "PKG-001", got[0].Rule.ID)
	assert.Equal(t, "13.0.1", got[0].CurrentVersion)
	assert.Equal(t, "Swashbuckle.AspNetCore", got[1].Package)
}

func TestSafetyKeywordsAreCaseInsensitive(t *testing.T) {
	assert.True(t, IsSafeAutofixPattern("using system.data.sqlclient;"))
	assert.False(t, IsSafeAutofixPattern("Serilog.Log"))
	assert.True(t, IsWebOnlyPattern("System.Web.Mvc"))
}
