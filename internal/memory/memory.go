// Package memory scores historical rule outcomes so that remedies which
// built successfully in the past rank ahead of unproven ones. Records are
// append-only; scores are recomputed on every query.
package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultDecayWeight is the per-day decay base applied to record age.
const DefaultDecayWeight = 0.9

// Record is one logged outcome of applying (or considering) a rule.
type Record struct {
	RuleID         string
	Pattern        string
	Recommendation string
	Project        string
	ErrorCodes     []string
	Success        bool
	Confidence     float64
	CreatedAt      time.Time
}

// Candidate is a (pattern, recommendation) group scored from its records.
// It is derived at query time and never stored.
type Candidate struct {
	Pattern        string  `json:"pattern"`
	Recommendation string  `json:"recommendation"`
	Score          float64 `json:"score"`
	Samples        int     `json:"samples"`
	AvgSuccess     float64 `json:"avgSuccess"`
	AvgConfidence  float64 `json:"avgConfidence"`
}

// Backend persists records. Matching returns every record whose pattern
// contains substr as a literal, case-sensitive substring, created at or
// after since when since is non-zero.
type Backend interface {
	Append(ctx context.Context, r Record) error
	Matching(ctx context.Context, substr string, since time.Time) ([]Record, error)
}

// Option configures a Scored memory.
type Option func(*Scored)

// WithLogger sets the logger used for backend warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scored) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRetentionDays excludes records older than days from queries.
// Zero disables the window.
func WithRetentionDays(days int) Option {
	return func(s *Scored) { s.retention = days }
}

// WithClock overrides the time source used for record ages.
func WithClock(now func() time.Time) Option {
	return func(s *Scored) { s.now = now }
}

// Scored is the scored memory over a Backend. Backend failures are logged
// and degrade to a no-op write or an empty query result.
type Scored struct {
	backend   Backend
	log       *zap.Logger
	now       func() time.Time
	retention int
}

// New returns a Scored memory over backend.
func New(backend Backend, opts ...Option) *Scored {
	s := &Scored{
		backend: backend,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Record appends r. A zero CreatedAt is stamped with the current time.
func (s *Scored) Record(ctx context.Context, r Record) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.Confidence = clamp01(r.Confidence)
	if err := s.backend.Append(ctx, r); err != nil {
		s.log.Warn("memory append failed",
			zap.String("rule_id", r.RuleID),
			zap.String("pattern", r.Pattern),
			zap.Error(err),
		)
	}
}

// Query returns up to limit candidates whose pattern contains substr, best
// score first. decayWeight is clamped to [0,1]. An empty result means there
// is no prior evidence.
func (s *Scored) Query(ctx context.Context, substr string, limit int, decayWeight float64) []Candidate {
	if limit <= 0 {
		return nil
	}
	now := s.now()
	var since time.Time
	if s.retention > 0 {
		since = now.AddDate(0, 0, -s.retention)
	}

	records, err := s.backend.Matching(ctx, substr, since)
	if err != nil {
		s.log.Warn("memory query failed", zap.String("pattern", substr), zap.Error(err))
		return nil
	}

	out := Aggregate(records, now, decayWeight)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

type groupKey struct{ pattern, recommendation string }

type group struct {
	n        int
	success  float64
	conf     float64
	decaySum float64
}

// Aggregate groups records by (pattern, recommendation) and scores each
// group as avg_success × avg_confidence × mean(decayWeight^age_days).
// Ages are measured in fractional days from now; future timestamps count
// as age zero.
func Aggregate(records []Record, now time.Time, decayWeight float64) []Candidate {
	w := clamp01(decayWeight)
	groups := make(map[groupKey]*group)
	var order []groupKey
	for _, r := range records {
		k := groupKey{r.Pattern, r.Recommendation}
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
			order = append(order, k)
		}
		g.n++
		if r.Success {
			g.success++
		}
		g.conf += clamp01(r.Confidence)
		age := now.Sub(r.CreatedAt).Hours() / 24
		if age < 0 {
			age = 0
		}
		g.decaySum += math.Pow(w, age)
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		g := groups[k]
		n := float64(g.n)
		avgSuccess := g.success / n
		avgConf := g.conf / n
		out = append(out, Candidate{
			Pattern:        k.pattern,
			Recommendation: k.recommendation,
			Score:          avgSuccess * avgConf * (g.decaySum / n),
			Samples:        g.n,
			AvgSuccess:     avgSuccess,
			AvgConfidence:  avgConf,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Recommendation < out[j].Recommendation
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
