package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/oracle"
	"github.com/joestump/upgrade-ops/internal/project"
)

// Autofix thresholds for learned and generated rules.
const (
	LearnedAutofixThreshold   = 0.80
	GeneratedAutofixThreshold = 0.70
)

const (
	maxPromptDiagnostics = 8000
	maxPromptPatterns    = 30
	generateMaxTokens    = 1200
	generateTemperature  = 0.25
)

// Memory recalls scored remedies for a pattern substring.
type Memory interface {
	Query(ctx context.Context, substr string, limit int, decayWeight float64) []memory.Candidate
}

// Input is what the generator knows about the project under migration.
type Input struct {
	Project      *project.Manifest
	ProjectType  string
	Diagnostics  string
	ErrorCodes   []string
	CodePatterns []string
}

// Generator merges learned and generated rules.
type Generator struct {
	memory      Memory
	oracle      oracle.Oracle
	log         *zap.Logger
	limit       int
	decayWeight float64
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithLogger sets the generator's logger.
func WithLogger(l *zap.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMemoryLimit caps the candidates recalled per memory query.
func WithMemoryLimit(n int) GeneratorOption {
	return func(g *Generator) { g.limit = n }
}

// WithDecayWeight sets the per-day decay used when scoring memory.
func WithDecayWeight(w float64) GeneratorOption {
	return func(g *Generator) { g.decayWeight = w }
}

// NewGenerator returns a Generator. Either dependency may be nil, in which
// case that source contributes no rules.
func NewGenerator(mem Memory, orc oracle.Oracle, opts ...GeneratorOption) *Generator {
	g := &Generator{
		memory:      mem,
		oracle:      orc,
		log:         zap.NewNop(),
		limit:       5,
		decayWeight: memory.DefaultDecayWeight,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate returns learned rules ranked by score followed by validated
// generated rules in reply order. It never fails: an unavailable memory or
// oracle only shrinks the result.
func (g *Generator) Generate(ctx context.Context, in Input) []Rule {
	learned := g.learned(ctx, in)
	generated := g.generated(ctx, in, learned)

	for i := range generated {
		r := &generated[i]
		r.Autofix = IsSafeAutofixPattern(r.Pattern) || r.Confidence >= GeneratedAutofixThreshold
	}

	out := make([]Rule, 0, len(learned)+len(generated))
	out = append(out, learned...)
	out = append(out, generated...)
	if project.IsNonWebType(in.ProjectType) {
		for i := range out {
			if out[i].Autofix && IsWebOnlyPattern(out[i].Pattern) {
				g.log.Debug("web-only rule kept manual for non-web project",
					zap.String("rule_id", out[i].ID),
					zap.String("project_type", in.ProjectType),
				)
				out[i].Autofix = false
			}
		}
	}
	return out
}

func (g *Generator) learned(ctx context.Context, in Input) []Rule {
	if g.memory == nil {
		return nil
	}
	type key struct{ pattern, rec string }
	best := make(map[key]memory.Candidate)
	seen := make(map[string]bool)
	for _, list := range [][]string{in.ErrorCodes, in.CodePatterns} {
		for _, q := range list {
			if q == "" || seen[q] {
				continue
			}
			seen[q] = true
			for _, c := range g.memory.Query(ctx, q, g.limit, g.decayWeight) {
				k := key{c.Pattern, c.Recommendation}
				if prev, ok := best[k]; !ok || c.Score > prev.Score {
					best[k] = c
				}
			}
		}
	}

	cands := make([]memory.Candidate, 0, len(best))
	for _, c := range best {
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if cands[i].Pattern != cands[j].Pattern {
			return cands[i].Pattern < cands[j].Pattern
		}
		return cands[i].Recommendation < cands[j].Recommendation
	})

	out := make([]Rule, 0, len(cands))
	for i, c := range cands {
		out = append(out, Rule{
			ID:             fmt.Sprintf("MEM-R%03d", i+1),
			Pattern:        c.Pattern,
			Issue:          fmt.Sprintf("Previously applied remedy (%d outcomes, %.0f%% successful)", c.Samples, c.AvgSuccess*100),
			Recommendation: c.Recommendation,
			Confidence:     c.Score,
			Autofix:        c.Score >= LearnedAutofixThreshold,
			Provenance:     Learned,
		})
	}
	g.log.Debug("learned rules recalled", zap.Int("count", len(out)))
	return out
}

func (g *Generator) generated(ctx context.Context, in Input, learned []Rule) []Rule {
	if g.oracle == nil {
		return nil
	}
	reply, err := g.oracle.Complete(ctx, buildPrompt(in, learned), generateMaxTokens, generateTemperature)
	if err != nil {
		g.log.Warn("rule generation unavailable", zap.Error(err))
		return nil
	}
	out := ParseCandidates(reply, g.log)
	g.log.Debug("generated rules parsed", zap.Int("count", len(out)))
	return out
}

func buildPrompt(in Input, learned []Rule) string {
	projectJSON := "{}"
	if in.Project != nil {
		if b, err := json.MarshalIndent(in.Project, "", "  "); err == nil {
			projectJSON = string(b)
		}
	}
	diag := in.Diagnostics
	if len(diag) > maxPromptDiagnostics {
		diag = diag[:maxPromptDiagnostics]
	}
	patterns := in.CodePatterns
	if len(patterns) > maxPromptPatterns {
		patterns = patterns[:maxPromptPatterns]
	}
	patternsJSON, _ := json.MarshalIndent(patterns, "", "  ")

	var b strings.Builder
	b.WriteString("You are an expert .NET migration analyst.\n")
	b.WriteString("From the build diagnostics and code patterns below, infer practical migration rules.\n")
	b.WriteString("Respond with a JSON array only. Each element must have:\n")
	b.WriteString("- id (AUTO-R###)\n- pattern (literal text to replace)\n- issue (plain text)\n")
	b.WriteString("- recommendation (literal replacement text)\n- confidence (number between 0 and 1)\n\n")
	b.WriteString("Focus on realistic upgrade issues (ConfigurationManager removed, HttpContext.Current, Newtonsoft.Json, SqlClient).\n\n")
	fmt.Fprintf(&b, "PROJECT TYPE: %s\n\nPROJECT:\n%s\n\n", in.ProjectType, projectJSON)
	fmt.Fprintf(&b, "DIAGNOSTICS (trimmed):\n%s\n\n", diag)
	fmt.Fprintf(&b, "CODE PATTERNS:\n%s\n", patternsJSON)
	if len(learned) > 0 {
		b.WriteString("\nREMEDIES THAT WORKED BEFORE:\n")
		for _, r := range learned {
			fmt.Fprintf(&b, "- %q -> %q (score %.2f)\n", r.Pattern, r.Recommendation, r.Confidence)
		}
	}
	return b.String()
}
