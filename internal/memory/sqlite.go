package memory

import (
	"context"
	"time"

	"github.com/joestump/upgrade-ops/internal/db"
)

// SQLiteBackend stores records in the local ai_rules_log table.
type SQLiteBackend struct {
	db *db.DB
}

// NewSQLiteBackend wraps an open database.
func NewSQLiteBackend(d *db.DB) *SQLiteBackend {
	return &SQLiteBackend{db: d}
}

func (b *SQLiteBackend) Append(ctx context.Context, r Record) error {
	_, err := b.db.InsertRuleOutcome(ctx, &db.RuleOutcome{
		RuleID:         r.RuleID,
		Pattern:        r.Pattern,
		Recommendation: r.Recommendation,
		Project:        r.Project,
		ErrorCodes:     r.ErrorCodes,
		BuildSuccess:   r.Success,
		Confidence:     r.Confidence,
		CreatedAt:      r.CreatedAt,
	})
	return err
}

func (b *SQLiteBackend) Matching(ctx context.Context, substr string, since time.Time) ([]Record, error) {
	rows, err := b.db.RuleOutcomesMatching(ctx, substr, since)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, o := range rows {
		out = append(out, Record{
			RuleID:         o.RuleID,
			Pattern:        o.Pattern,
			Recommendation: o.Recommendation,
			Project:        o.Project,
			ErrorCodes:     o.ErrorCodes,
			Success:        o.BuildSuccess,
			Confidence:     o.Confidence,
			CreatedAt:      o.CreatedAt,
		})
	}
	return out, nil
}
