package verifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/build"
	"github.com/joestump/upgrade-ops/internal/oracle"
	"github.com/joestump/upgrade-ops/internal/project"
)

const (
	// maxEscalationsPerPass bounds oracle calls within one pass.
	maxEscalationsPerPass = 5
	escalateMaxTokens     = 400
	escalateTemperature   = 0.2

	httpContextStub = "null /* upgrade: request context unavailable */"
	removedMarker   = "// upgrade: removed "
	oracleMarker    = "// upgrade: suggested fix for "
)

var (
	systemWebUsingRe = regexp.MustCompile(`(?m)^([ \t]*)(using[ \t]+System\.Web[\w.]*[ \t]*;)`)
	classDeclRe      = regexp.MustCompile(`\bclass\s+\w`)
)

type pkg struct{ name, version string }

// pass holds the per-pass state of one verifier run.
type pass struct {
	v        *Verifier
	dir      string
	manifest string

	escalations int
	// touched records file:line pairs already rewritten in this pass.
	touched map[string]bool
	// shifted records files whose line count changed in this pass. Their
	// diagnostic line numbers are stale until the next build.
	shifted map[string]bool
}

func (p *pass) run(ctx context.Context, n int, diags []build.Diagnostic) []Fix {
	p.escalations = 0
	p.touched = make(map[string]bool)
	p.shifted = make(map[string]bool)

	var fixes []Fix
	for _, d := range diags {
		if ctx.Err() != nil {
			break
		}
		if detail, ok := p.deterministic(d); ok {
			p.v.log.Info("deterministic fix applied", zap.String("code", d.Code), zap.String("detail", detail))
			fixes = append(fixes, Fix{Pass: n, Code: d.Code, Source: "deterministic", Detail: detail})
			continue
		}
		if detail, ok := p.escalate(ctx, d); ok {
			p.v.log.Info("oracle fix applied", zap.String("code", d.Code), zap.String("detail", detail))
			fixes = append(fixes, Fix{Pass: n, Code: d.Code, Source: "oracle", Detail: detail})
		}
	}
	return fixes
}

// deterministic applies the known fix for d. It reports false when no fix
// is known or the known fix changes nothing.
func (p *pass) deterministic(d build.Diagnostic) (string, bool) {
	msg := d.Message
	switch d.Code {
	case "CS0246", "CS1069":
		if strings.Contains(msg, "SqlConnection") {
			changed := p.ensure(pkg{"Microsoft.Data.SqlClient", "5.2.0"})
			if d.Code == "CS0246" {
				changed = p.editSources(addSQLClientUsing) || changed
			}
			return "Microsoft.Data.SqlClient", changed
		}
		if d.Code == "CS0246" && (strings.Contains(msg, "IConfiguration") || strings.Contains(msg, "ConfigurationBuilder")) {
			changed := p.ensure(
				pkg{"Microsoft.Extensions.Configuration", "9.0.0"},
				pkg{"Microsoft.Extensions.Configuration.Json", "9.0.0"},
			)
			return "Microsoft.Extensions.Configuration", changed
		}
	case "CS0103":
		if strings.Contains(msg, "HttpContext") {
			return "HttpContext.Current stubbed", p.editSources(func(s string) string {
				return strings.ReplaceAll(s, "HttpContext.Current", httpContextStub)
			})
		}
		if strings.Contains(msg, "ConfigurationManager") {
			return "System.Configuration.ConfigurationManager", p.ensure(pkg{"System.Configuration.ConfigurationManager", "9.0.0"})
		}
	case "CS0234":
		if strings.Contains(msg, "System.Web") {
			return "System.Web usings removed", p.editSources(func(s string) string {
				return systemWebUsingRe.ReplaceAllString(s, "${1}"+removedMarker+"${2}")
			})
		}
	}
	return "", false
}

func addSQLClientUsing(s string) string {
	if !strings.Contains(s, "SqlConnection") {
		return s
	}
	s = strings.ReplaceAll(s, "using System.Data.SqlClient;", "using Microsoft.Data.SqlClient;")
	if !strings.Contains(s, "using Microsoft.Data.SqlClient;") {
		s = "using Microsoft.Data.SqlClient;\n" + s
	}
	return s
}

func (p *pass) ensure(pkgs ...pkg) bool {
	changed := false
	for _, k := range pkgs {
		if !p.prepareWrite(p.manifest) {
			continue
		}
		ok, err := project.EnsurePackage(p.manifest, k.name, k.version)
		if err != nil {
			p.v.log.Warn("ensure package failed", zap.String("package", k.name), zap.Error(err))
			continue
		}
		changed = changed || ok
	}
	return changed
}

// editSources applies edit to every source file and reports whether any
// file changed.
func (p *pass) editSources(edit func(string) string) bool {
	files, err := project.SourceFiles(p.dir)
	if err != nil {
		p.v.log.Warn("list sources failed", zap.Error(err))
		return false
	}
	changed := false
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			p.v.log.Warn("read source failed", zap.String("file", f), zap.Error(err))
			continue
		}
		out := edit(string(data))
		if out == string(data) {
			continue
		}
		if p.write(f, out) {
			changed = true
		}
	}
	return changed
}

func (p *pass) prepareWrite(path string) bool {
	if p.v.beforeWrite == nil {
		return true
	}
	if err := p.v.beforeWrite(path); err != nil {
		p.v.log.Warn("pre-write hook failed, edit skipped", zap.String("file", path), zap.Error(err))
		return false
	}
	return true
}

func (p *pass) write(path, content string) bool {
	if !p.prepareWrite(path) {
		return false
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	old, _ := os.ReadFile(path)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		p.v.log.Warn("write source failed", zap.String("file", path), zap.Error(err))
		return false
	}
	if strings.Count(string(old), "\n") != strings.Count(content, "\n") {
		p.shifted[filepath.Clean(path)] = true
	}
	return true
}

// escalate asks the oracle for a fragment fixing d and splices it in.
func (p *pass) escalate(ctx context.Context, d build.Diagnostic) (string, bool) {
	if p.v.oracle == nil || p.escalations >= maxEscalationsPerPass {
		return "", false
	}

	file, lines, lineIdx := p.locate(d)
	if d.HasLocation() && file != "" && (p.touched[fmt.Sprintf("%s:%d", file, d.Line)] || p.shifted[file]) {
		return "", false
	}
	p.escalations++

	prompt := escalationPrompt(d, lines, lineIdx)
	reply, err := p.v.oracle.Complete(ctx, prompt, escalateMaxTokens, escalateTemperature)
	if err != nil {
		p.v.log.Debug("oracle escalation unavailable", zap.String("code", d.Code), zap.Error(err))
		return "", false
	}
	fragment, ok := oracle.FirstCodeBlock(reply)
	if !ok {
		p.v.log.Debug("oracle reply has no code block", zap.String("code", d.Code))
		return "", false
	}

	if lineIdx >= 0 {
		return p.replaceLine(file, lines, lineIdx, fragment, d)
	}
	return p.insertBlock(fragment, d)
}

// locate resolves the diagnostic's file inside the project directory and
// returns its lines and the zero-based offending line index, or -1.
func (p *pass) locate(d build.Diagnostic) (string, []string, int) {
	if !d.HasLocation() {
		return "", nil, -1
	}
	file := d.File
	if !filepath.IsAbs(file) {
		file = filepath.Join(p.dir, file)
	}
	file = filepath.Clean(file)
	rel, err := filepath.Rel(p.dir, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", nil, -1
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", nil, -1
	}
	lines := strings.Split(string(data), "\n")
	if d.Line < 1 || d.Line > len(lines) {
		return "", nil, -1
	}
	return file, lines, d.Line - 1
}

func escalationPrompt(d build.Diagnostic, lines []string, idx int) string {
	var b strings.Builder
	b.WriteString("You are a .NET compiler assistant.\n")
	b.WriteString("Given this compiler error, propose the minimal C# fix needed.\n\n")
	fmt.Fprintf(&b, "ERROR:\n%s: %s\n", d.Code, d.Message)
	if idx >= 0 {
		fmt.Fprintf(&b, "\nOFFENDING LINE %d:\n%s\n", d.Line, strings.TrimRight(lines[idx], "\r"))
		b.WriteString("\nRespond with a single fenced C# code block holding the replacement for that line only.\n")
	} else {
		b.WriteString("\nRespond with a single fenced C# code block holding the code to add.\n")
	}
	return b.String()
}

func (p *pass) replaceLine(file string, lines []string, idx int, fragment string, d build.Diagnostic) (string, bool) {
	orig := strings.TrimRight(lines[idx], "\r")
	if strings.TrimSpace(orig) == strings.TrimSpace(fragment) {
		return "", false
	}
	indent := orig[:len(orig)-len(strings.TrimLeft(orig, " \t"))]
	var repl []string
	for _, l := range strings.Split(fragment, "\n") {
		if strings.TrimSpace(l) == "" {
			repl = append(repl, "")
			continue
		}
		repl = append(repl, indent+strings.TrimRight(l, "\r"))
	}
	out := make([]string, 0, len(lines)+len(repl))
	out = append(out, lines[:idx]...)
	out = append(out, repl...)
	out = append(out, lines[idx+1:]...)
	if !p.write(file, strings.Join(out, "\n")) {
		return "", false
	}
	p.touched[fmt.Sprintf("%s:%d", file, d.Line)] = true
	rel, _ := filepath.Rel(p.dir, file)
	return fmt.Sprintf("%s line %d replaced", rel, d.Line), true
}

func (p *pass) insertBlock(fragment string, d build.Diagnostic) (string, bool) {
	files, err := project.SourceFiles(p.dir)
	if err != nil {
		return "", false
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil || !classDeclRe.Match(data) {
			continue
		}
		text := string(data)
		if strings.Contains(text, fragment) {
			return "", false
		}
		brace := strings.LastIndex(text, "}")
		if brace < 0 {
			return "", false
		}
		block := oracleMarker + d.Code + "\n" + fragment + "\n"
		if !p.write(f, text[:brace]+block+text[brace:]) {
			return "", false
		}
		rel, _ := filepath.Rel(p.dir, f)
		return fmt.Sprintf("block inserted in %s", rel), true
	}
	return "", false
}
