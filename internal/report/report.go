// Package report writes the per-project upgrade summary as markdown and
// HTML, and the crash log for a project that failed outright.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/upgrade-ops/internal/build"
	"github.com/joestump/upgrade-ops/internal/project"
	"github.com/joestump/upgrade-ops/internal/rules"
	"github.com/joestump/upgrade-ops/internal/verifier"
)

// File names written into the report directory.
const (
	MarkdownFile = "upgrade_summary.md"
	HTMLFile     = "upgrade_summary.html"
)

const (
	outdatedLimit    = 3000
	diagnosticsLimit = 2000
	buildLogLimit    = 1200
)

// Data is everything one project run contributes to its report.
type Data struct {
	RunID       string
	GeneratedAt time.Time

	Project         *project.Manifest
	ProjectType     string
	TargetFramework string

	Rules       []rules.Rule
	Matched     []rules.Match
	Patterns    []string
	Outdated    string
	Diagnostics string

	Applied  []string
	Verifier *verifier.Result
	SafeMode bool
	Final    build.Result
	Smoke    *build.SmokeResult

	Recommendations string
	PipelineLog     []string
	// PipelineLogDropped counts early lines evicted from the run buffer.
	PipelineLogDropped int
}

// Markdown renders d as the upgrade summary document.
func Markdown(d Data) string {
	var b strings.Builder

	name := "project"
	if d.Project != nil {
		name = d.Project.Name
	}
	fmt.Fprintf(&b, "# Upgrade Summary: %s\n\n", name)
	if d.RunID != "" {
		fmt.Fprintf(&b, "Run `%s`", d.RunID)
		if !d.GeneratedAt.IsZero() {
			fmt.Fprintf(&b, " at %s", d.GeneratedAt.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n\n")
	}

	b.WriteString("## Project Info\n\n")
	fmt.Fprintf(&b, "- Type: %s\n", orDash(d.ProjectType))
	if d.Project != nil {
		fmt.Fprintf(&b, "- Original target framework: %s\n", orDash(d.Project.TargetFramework))
	}
	fmt.Fprintf(&b, "- Retargeted to: %s\n\n", orDash(d.TargetFramework))
	if d.Project != nil {
		writeJSON(&b, d.Project)
	}

	b.WriteString("## Generated and Learned Rules\n\n")
	writeJSON(&b, nonNil(d.Rules))

	b.WriteString("## Matched Static Rules\n\n")
	writeJSON(&b, nonNil(d.Matched))

	b.WriteString("## Code Patterns Detected\n\n")
	writeJSON(&b, nonNil(d.Patterns))

	b.WriteString("## Outdated Packages (NuGet)\n\n")
	writeFence(&b, truncate(d.Outdated, outdatedLimit))

	b.WriteString("## Build Diagnostics (retargeted)\n\n")
	writeFence(&b, truncate(d.Diagnostics, diagnosticsLimit))

	b.WriteString("## Autofix Results\n\n")
	fmt.Fprintf(&b, "- Rules auto-fixed: %d", len(d.Applied))
	if len(d.Applied) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(d.Applied, ", "))
	}
	b.WriteString("\n")
	if d.SafeMode {
		b.WriteString("- Safe mode: edits reverted, package rules re-applied\n")
	}
	fmt.Fprintf(&b, "- Final build status: %s\n\n", status(d.Final.Success, "Success", "Failed"))
	if len(d.Final.ErrorCodes) > 0 {
		fmt.Fprintf(&b, "Remaining error codes: %s\n\n", strings.Join(d.Final.ErrorCodes, ", "))
	}
	b.WriteString("### Final Build Log (first 1200 chars)\n\n")
	writeFence(&b, truncate(d.Final.Log, buildLogLimit))

	if v := d.Verifier; v != nil {
		b.WriteString("## Verifier\n\n")
		fmt.Fprintf(&b, "- Outcome: %s (%s)\n", status(v.Success, "Success", "Failed"), v.Reason)
		fmt.Fprintf(&b, "- Passes: %d\n", v.Passes)
		for _, f := range v.Fixes {
			fmt.Fprintf(&b, "- Pass %d, %s, %s: %s\n", f.Pass, f.Code, f.Source, f.Detail)
		}
		b.WriteString("\n")
	}

	if s := d.Smoke; s != nil {
		b.WriteString("## Runtime Test\n\n")
		fmt.Fprintf(&b, "Status: %s\n\n", status(s.Success, "Success", "Failed"))
		writeFence(&b, s.Output)
	}

	b.WriteString("## Recommendations\n\n")
	b.WriteString(strings.TrimSpace(d.Recommendations))
	b.WriteString("\n\n")

	if len(d.PipelineLog) > 0 {
		b.WriteString("## Pipeline Log\n\n")
		if d.PipelineLogDropped > 0 {
			fmt.Fprintf(&b, "_%d earlier lines omitted._\n\n", d.PipelineLogDropped)
		}
		writeFence(&b, strings.Join(d.PipelineLog, "\n"))
	}
	return b.String()
}

// Write renders d into dir as markdown and HTML and returns the markdown
// path.
func Write(dir string, d Data) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	md := Markdown(d)
	mdPath := filepath.Join(dir, MarkdownFile)
	if err := os.WriteFile(mdPath, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write markdown report: %w", err)
	}

	html, err := RenderHTML(md)
	if err != nil {
		return mdPath, err
	}
	if err := os.WriteFile(filepath.Join(dir, HTMLFile), []byte(html), 0o644); err != nil {
		return mdPath, fmt.Errorf("write html report: %w", err)
	}
	return mdPath, nil
}

// RenderHTML converts markdown to an HTML fragment with GitHub-flavored
// extensions.
func RenderHTML(md string) (string, error) {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// WriteCrash records a project failure as crash_YYYYMMDD_HHMMSS.log in dir
// and returns its path.
func WriteCrash(dir string, now time.Time, failure error, stack []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	path := filepath.Join(dir, "crash_"+now.Format("20060102_150405")+".log")

	var b strings.Builder
	fmt.Fprintf(&b, "%v\n", failure)
	if len(stack) > 0 {
		b.WriteString("\n")
		b.Write(stack)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write crash log: %w", err)
	}
	return path, nil
}

func writeJSON(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}
	b.WriteString("```json\n")
	b.Write(data)
	b.WriteString("\n```\n\n")
}

// writeFence wraps text in a code fence long enough not to be closed by
// backticks inside it.
func writeFence(b *strings.Builder, text string) {
	fence := "```"
	for strings.Contains(text, fence) {
		fence += "`"
	}
	b.WriteString(fence + "\n")
	b.WriteString(strings.TrimRight(text, "\n"))
	b.WriteString("\n" + fence + "\n\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func status(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
