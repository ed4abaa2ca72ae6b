// Package outcome closes the learning loop: after a project's final build
// it logs every considered rule against the real result. It is the only
// writer of memory.
package outcome

import (
	"context"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/logging"
	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/rules"
)

// Store appends outcome records.
type Store interface {
	Record(ctx context.Context, r memory.Record)
}

// Recorder writes rule outcomes to a Store.
type Recorder struct {
	store Store
	log   *zap.Logger
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store Store, log *zap.Logger) *Recorder {
	log = logging.OrNop(log)
	return &Recorder{store: store, log: log}
}

// Final is the validated end state of a project run.
type Final struct {
	Project    string
	Success    bool
	ErrorCodes []string
}

// Record logs one outcome per distinct rule, in order, and returns the
// number written. Rules without a pattern carry no signal and are skipped.
func (r *Recorder) Record(ctx context.Context, considered []rules.Rule, final Final) int {
	type key struct{ id, pattern, rec string }
	seen := make(map[key]bool)
	n := 0
	for _, rule := range considered {
		if rule.Pattern == "" {
			continue
		}
		k := key{rule.ID, rule.Pattern, rule.Recommendation}
		if seen[k] {
			continue
		}
		seen[k] = true
		r.store.Record(ctx, memory.Record{
			RuleID:         rule.ID,
			Pattern:        rule.Pattern,
			Recommendation: rule.Recommendation,
			Project:        final.Project,
			ErrorCodes:     append([]string(nil), final.ErrorCodes...),
			Success:        final.Success,
			Confidence:     rule.Confidence,
		})
		n++
	}
	r.log.Info("rule outcomes recorded",
		zap.String("project", final.Project),
		zap.Bool("success", final.Success),
		zap.Int("count", n),
	)
	return n
}
