package outcome

import (
	"context"
	"strings"
	"time"

	"github.com/joestump/upgrade-ops/internal/memory"
)

// sliceBackend is an in-memory memory.Backend.
type sliceBackend struct{ records []memory.Record }

func (s *sliceBackend) Append(_ context.Context, r memory.Record) error {
	s.records = append(s.records, r)
	return nil
}

func (s *sliceBackend) Matching(_ context.Context, substr string, since time.Time) ([]memory.Record, error) {
	var out []memory.Record
	for _, r := range s.records {
		if strings.Contains(r.Pattern, substr) && (since.IsZero() || !r.CreatedAt.Before(since)) {
			out = append(out, r)
		}
	}
	return out, nil
}
