package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/logging"
	"github.com/joestump/upgrade-ops/internal/project"
)

type staticRule struct {
	ID             string   `json:"id"`
	Pattern        string   `json:"pattern"`
	Issue          string   `json:"issue"`
	Recommendation string   `json:"recommendation"`
	Confidence     *float64 `json:"confidence"`
	Autofix        bool     `json:"autofix"`
}

// LoadFile reads static rules from path: a JSON array of rules or an
// object with a "rules" array. A missing, unreadable or malformed file
// yields an empty set and a warning, never an error. A single entry
// without a pattern or with a confidence outside [0,1] makes the whole file
// malformed.
func LoadFile(path string, log *zap.Logger) []Rule {
	log = logging.OrNop(log)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("static rules unreadable", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	raw, err := decodeStatic(data)
	if err != nil {
		log.Warn("static rules malformed", zap.String("path", path), zap.Error(err))
		return nil
	}

	for i, r := range raw {
		if err := r.validate(); err != nil {
			log.Warn("static rules malformed", zap.String("path", path), zap.Int("index", i), zap.Error(err))
			return nil
		}
	}

	out := make([]Rule, 0, len(raw))
	for i, r := range raw {
		conf := 1.0
		if r.Confidence != nil {
			conf = *r.Confidence
		}
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("RULE-%03d", i)
		}
		out = append(out, Rule{
			ID:             id,
			Pattern:        r.Pattern,
			Issue:          r.Issue,
			Recommendation: r.Recommendation,
			Confidence:     conf,
			Autofix:        r.Autofix,
			Provenance:     Static,
		})
	}
	return out
}

func (r staticRule) validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("rule %q has no pattern", r.ID)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("rule %q confidence %v outside [0,1]", r.ID, *r.Confidence)
	}
	return nil
}

func decodeStatic(data []byte) ([]staticRule, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []staticRule
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped struct {
		Rules *[]staticRule `json:"rules"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Rules == nil {
		return nil, fmt.Errorf(`expected an array or an object with "rules"`)
	}
	return *wrapped.Rules, nil
}

// Match is a static rule that applies to a declared package.
type Match struct {
	Rule           Rule   `json:"rule"`
	Package        string `json:"package"`
	CurrentVersion string `json:"currentVersion"`
}

// MatchPackages tests every rule pattern, as a case-insensitive regular
// expression, against every package name. Rules with invalid expressions
// are skipped.
func MatchPackages(packages []project.PackageRef, rules []Rule) []Match {
	compiled := make([]*regexp.Regexp, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err == nil {
			compiled[i] = re
		}
	}
	var out []Match
	for _, p := range packages {
		for i, r := range rules {
			if compiled[i] != nil && compiled[i].MatchString(p.Name) {
				out = append(out, Match{Rule: r, Package: p.Name, CurrentVersion: p.Version})
			}
		}
	}
	return out
}
