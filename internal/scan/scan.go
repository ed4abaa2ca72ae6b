// Package scan extracts the API usage patterns of a C# code base: dotted
// member and namespace names, invoked methods and constructed types. The
// patterns feed memory lookups and the fix-generation prompt.
package scan

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"
	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/logging"
	"github.com/joestump/upgrade-ops/internal/project"
)

// minPatternLen drops short names that carry no migration signal.
const minPatternLen = 5

var dottedRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)+$`)

// Fallback expressions used when a file cannot be parsed.
var fallbackRes = []*regexp.Regexp{
	regexp.MustCompile(`[A-Z][A-Za-z0-9_]+\.[A-Za-z0-9_]+\.[A-Za-z0-9_]+`),
	regexp.MustCompile(`[A-Z][A-Za-z0-9_]+\.[A-Za-z0-9_]+`),
	regexp.MustCompile(`[A-Za-z0-9_]+\(`),
}

// Scanner walks C# syntax trees. A Scanner is not safe for concurrent use.
type Scanner struct {
	parser *sitter.Parser
	log    *zap.Logger
}

// NewScanner returns a Scanner with the C# grammar loaded.
func NewScanner(log *zap.Logger) *Scanner {
	log = logging.OrNop(log)
	p := sitter.NewParser()
	p.SetLanguage(csharp.GetLanguage())
	return &Scanner{parser: p, log: log}
}

// ScanDir returns the sorted, distinct patterns of every source file under
// dir. Unreadable files are skipped.
func (s *Scanner) ScanDir(ctx context.Context, dir string) ([]string, error) {
	files, err := project.SourceFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	set := make(map[string]struct{})
	for _, f := range files {
		src, err := os.ReadFile(f)
		if err != nil {
			s.log.Warn("skip unreadable source", zap.String("file", f), zap.Error(err))
			continue
		}
		for _, p := range s.scan(ctx, f, src) {
			set[p] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// ScanSource returns the sorted, distinct patterns of one source text.
func (s *Scanner) ScanSource(ctx context.Context, src []byte) []string {
	set := make(map[string]struct{})
	for _, p := range s.scan(ctx, "", src) {
		set[p] = struct{}{}
	}
	return sortedKeys(set)
}

func (s *Scanner) scan(ctx context.Context, file string, src []byte) []string {
	tree, err := s.parser.ParseCtx(ctx, nil, src)
	if err != nil {
		s.log.Debug("parse failed, using text fallback", zap.String("file", file), zap.Error(err))
		return fallback(src)
	}
	defer tree.Close()

	root := tree.RootNode()
	var out []string
	collect(root, src, &out)
	if root.HasError() {
		out = append(out, fallback(src)...)
	}
	return out
}

func collect(node *sitter.Node, src []byte, out *[]string) {
	switch node.Type() {
	case "member_access_expression", "qualified_name":
		parent := node.Parent()
		if parent == nil || parent.Type() != node.Type() {
			add(out, node.Content(src), true)
		}
	case "invocation_expression":
		if fn := node.ChildByFieldName("function"); fn != nil {
			add(out, calleeName(fn, src), false)
		}
	case "object_creation_expression":
		if typ := node.ChildByFieldName("type"); typ != nil && typ.Type() == "identifier" {
			add(out, typ.Content(src), false)
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		collect(node.NamedChild(i), src, out)
	}
}

// calleeName returns the method name of an invocation target.
func calleeName(fn *sitter.Node, src []byte) string {
	switch fn.Type() {
	case "identifier":
		return fn.Content(src)
	case "member_access_expression":
		if name := fn.ChildByFieldName("name"); name != nil {
			return calleeName(name, src)
		}
	case "generic_name":
		if fn.NamedChildCount() > 0 {
			return fn.NamedChild(0).Content(src)
		}
	}
	return ""
}

func add(out *[]string, p string, dotted bool) {
	p = strings.Join(strings.Fields(p), "")
	if len(p) < minPatternLen {
		return
	}
	if dotted && !dottedRe.MatchString(p) {
		return
	}
	*out = append(*out, p)
}

func fallback(src []byte) []string {
	var out []string
	text := string(src)
	for _, re := range fallbackRes {
		for _, m := range re.FindAllString(text, -1) {
			m = strings.TrimSuffix(m, "(")
			if len(m) < minPatternLen || strings.HasPrefix(m, "using") {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
