package report

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/logging"
	"github.com/joestump/upgrade-ops/internal/oracle"
	"github.com/joestump/upgrade-ops/internal/project"
	"github.com/joestump/upgrade-ops/internal/rules"
)

// FallbackRecommendations is reported when the oracle has nothing to say.
const FallbackRecommendations = "No additional migration recommendations detected."

const (
	maxSummarySentences = 40
	minSentenceLen      = 6
	summaryMaxTokens    = 800
	summaryTemperature  = 0.25
)

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// CompressDiagnostics splits text into sentences and keeps the first limit
// distinct ones longer than five characters, joined by spaces.
func CompressDiagnostics(text string, limit int) string {
	var (
		out  []string
		seen = make(map[string]bool)
		last int
	)
	push := func(s string) {
		s = strings.TrimSpace(s)
		if len(s) < minSentenceLen || seen[s] || len(out) >= limit {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		// Keep the terminator with its sentence.
		push(text[last : loc[0]+1])
		last = loc[1]
	}
	push(text[last:])
	return strings.Join(out, " ")
}

// SummaryInput is the context handed to the oracle.
type SummaryInput struct {
	Project     *project.Manifest
	Rules       []rules.Rule
	Matched     []rules.Match
	Diagnostics string
	FinalLog    string
	Success     bool
}

// Summarizer asks the oracle for migration recommendations.
type Summarizer struct {
	oracle oracle.Oracle
	log    *zap.Logger
}

// NewSummarizer returns a Summarizer. A nil oracle always yields the
// fallback text.
func NewSummarizer(o oracle.Oracle, log *zap.Logger) *Summarizer {
	log = logging.OrNop(log)
	return &Summarizer{oracle: o, log: log}
}

// Summarize returns the oracle's recommendations, or
// FallbackRecommendations when the oracle fails or replies blank.
func (s *Summarizer) Summarize(ctx context.Context, in SummaryInput) string {
	if s.oracle == nil {
		return FallbackRecommendations
	}
	reply, err := s.oracle.Complete(ctx, summaryPrompt(in), summaryMaxTokens, summaryTemperature)
	if err != nil {
		s.log.Warn("summary unavailable", zap.Error(err))
		return FallbackRecommendations
	}
	if strings.TrimSpace(reply) == "" {
		return FallbackRecommendations
	}
	return strings.TrimSpace(reply)
}

func summaryPrompt(in SummaryInput) string {
	projectJSON, _ := json.MarshalIndent(in.Project, "", "  ")
	rulesJSON, _ := json.MarshalIndent(struct {
		Matched []rules.Match `json:"matched"`
		Rules   []rules.Rule  `json:"rules"`
	}{nonNil(in.Matched), nonNil(in.Rules)}, "", "  ")

	var b strings.Builder
	b.WriteString("You are a .NET migration analyst.\n")
	b.WriteString("Summarize upgrade actions, applied fixes, and any remaining issues (once only).\n")
	b.WriteString("Use short bullet points grouped by theme.\n\n")
	fmt.Fprintf(&b, "PROJECT INFO:\n%s\n\n", projectJSON)
	fmt.Fprintf(&b, "RULES (static + dynamic):\n%s\n\n", rulesJSON)
	fmt.Fprintf(&b, "DEDUPED DIAGNOSTICS (trimmed):\n%s\n\n",
		CompressDiagnostics(in.Diagnostics+"\n"+in.FinalLog, maxSummarySentences))
	fmt.Fprintf(&b, "POST-FIX STATUS: %s\n", status(in.Success, "Success", "Failed"))
	return b.String()
}
