package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/logging"
	"github.com/joestump/upgrade-ops/internal/oracle"
)

const (
	defaultCandidateConfidence = 0.5
	defaultIssue               = "Unspecified issue"
)

// ParseCandidates extracts generated rules from an oracle reply. The reply
// should hold a JSON array, optionally fenced. Each element is validated on
// its own; invalid elements are dropped with a debug log. A reply without
// a decodable array yields no rules. Autofix is left unset; the generator
// decides it.
func ParseCandidates(reply string, log *zap.Logger) []Rule {
	log = logging.OrNop(log)
	elems, ok := extractArray(reply)
	if !ok {
		log.Debug("oracle reply holds no JSON array of rules", zap.Int("reply_chars", len(reply)))
		return nil
	}

	var out []Rule
	for i, raw := range elems {
		r, err := validateCandidate(raw, i)
		if err != nil {
			log.Debug("candidate rule dropped", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out
}

// extractArray decodes the first JSON array in reply that holds at least
// one object, trying each '[' in turn so bracketed prose before the
// payload is skipped.
func extractArray(reply string) ([]json.RawMessage, bool) {
	if block, ok := oracle.FirstCodeBlock(reply); ok {
		reply = block
	}
	for i := strings.IndexByte(reply, '['); i >= 0; {
		var elems []json.RawMessage
		if err := json.NewDecoder(strings.NewReader(reply[i:])).Decode(&elems); err == nil && hasObject(elems) {
			return elems, true
		}
		next := strings.IndexByte(reply[i+1:], '[')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}

func hasObject(elems []json.RawMessage) bool {
	for _, e := range elems {
		if t := bytes.TrimSpace(e); len(t) > 0 && t[0] == '{' {
			return true
		}
	}
	return false
}

func validateCandidate(raw json.RawMessage, index int) (Rule, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Rule{}, fmt.Errorf("not an object: %w", err)
	}

	pattern, err := requiredString(fields, "pattern")
	if err != nil {
		return Rule{}, err
	}
	rec, err := requiredString(fields, "recommendation")
	if err != nil {
		return Rule{}, err
	}
	id, err := optionalString(fields, "id", fmt.Sprintf("AUTO-R%03d", index))
	if err != nil {
		return Rule{}, err
	}
	issue, err := optionalString(fields, "issue", defaultIssue)
	if err != nil {
		return Rule{}, err
	}

	conf := defaultCandidateConfidence
	if v, ok := fields["confidence"]; ok && v != nil {
		f, ok := v.(float64)
		if !ok {
			return Rule{}, fmt.Errorf("confidence: want number, got %T", v)
		}
		if f < 0 || f > 1 {
			return Rule{}, fmt.Errorf("confidence %v outside [0,1]", f)
		}
		conf = f
	}

	return Rule{
		ID:             id,
		Pattern:        pattern,
		Issue:          issue,
		Recommendation: rec,
		Confidence:     conf,
		Provenance:     Generated,
	}, nil
}

func requiredString(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%s: missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %T", key, v)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s: empty", key)
	}
	return s, nil
}

func optionalString(fields map[string]any, key, def string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %T", key, v)
	}
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return s, nil
}
