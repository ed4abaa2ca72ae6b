package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/joestump/upgrade-ops/internal/db"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newSQLiteMemory(t *testing.T, opts ...Option) *Scored {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(NewSQLiteBackend(d), opts...)
}

func TestQueryAggregateExample(t *testing.T) {
	m := newSQLiteMemory(t)
	ctx := context.Background()

	m.Record(ctx, Record{RuleID: "R1", Pattern: "Foo.Bar", Recommendation: "Foo.Baz", Success: true, Confidence: 1, CreatedAt: testNow})
	m.Record(ctx, Record{RuleID: "R1", Pattern: "Foo.Bar", Recommendation: "Foo.Baz", Success: false, Confidence: 1, CreatedAt: testNow})

	got := m.Query(ctx, "Foo", 5, 0.9)
	require.Len(t, got, 1)
	assert.Equal(t, "Foo.Bar", got[0].Pattern)
	assert.Equal(t, 2, got[0].Samples)
	assert.InDelta(t, 0.5, got[0].Score, 1e-9)
}

func TestScoreMonotoneInAge(t *testing.T) {
	var prev = 2.0
	for _, days := range []int{0, 1, 7, 30, 365} {
		recs := []Record{{
			Pattern: "HttpContext", Recommendation: "IHttpContextAccessor",
			Success: true, Confidence: 0.9, CreatedAt: testNow.AddDate(0, 0, -days),
		}}
		got := Aggregate(recs, testNow, DefaultDecayWeight)
		require.Len(t, got, 1)
		assert.Less(t, got[0].Score, prev, "score at %d days should be below the younger score", days)
		prev = got[0].Score
	}
}

func TestAggregateOrdersAndBreaksTies(t *testing.T) {
	recs := []Record{
		{Pattern: "B", Recommendation: "x", Success: true, Confidence: 1, CreatedAt: testNow},
		{Pattern: "A", Recommendation: "y", Success: true, Confidence: 1, CreatedAt: testNow},
		{Pattern: "A", Recommendation: "x", Success: true, Confidence: 1, CreatedAt: testNow},
		{Pattern: "C", Recommendation: "z", Success: true, Confidence: 0.2, CreatedAt: testNow},
	}
	got := Aggregate(recs, testNow, 0.9)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"A/x", "A/y", "B/x", "C/z"}, []string{
		got[0].Pattern + "/" + got[0].Recommendation,
		got[1].Pattern + "/" + got[1].Recommendation,
		got[2].Pattern + "/" + got[2].Recommendation,
		got[3].Pattern + "/" + got[3].Recommendation,
	})
}

func TestAggregateClampsDecayWeight(t *testing.T) {
	recs := []Record{{Pattern: "P", Recommendation: "R", Success: true, Confidence: 1, CreatedAt: testNow.AddDate(0, 0, -2)}}

	high := Aggregate(recs, testNow, 4)
	assert.InDelta(t, 1.0, high[0].Score, 1e-9)

	low := Aggregate(recs, testNow, -1)
	assert.InDelta(t, 0.0, low[0].Score, 1e-9)
}

func TestQueryLimitAndEmpty(t *testing.T) {
	m := newSQLiteMemory(t)
	ctx := context.Background()

	assert.Empty(t, m.Query(ctx, "Nothing", 5, 0.9))

	for _, rec := range []string{"a", "b", "c"} {
		m.Record(ctx, Record{Pattern: "SqlConnection", Recommendation: rec, Success: true, Confidence: 1})
	}
	assert.Len(t, m.Query(ctx, "SqlConnection", 2, 0.9), 2)
	assert.Empty(t, m.Query(ctx, "SqlConnection", 0, 0.9))
}

func TestQueryRetentionWindow(t *testing.T) {
	m := newSQLiteMemory(t, WithRetentionDays(7))
	ctx := context.Background()

	m.Record(ctx, Record{Pattern: "Old", Recommendation: "r", Success: true, Confidence: 1, CreatedAt: testNow.AddDate(0, 0, -30)})
	m.Record(ctx, Record{Pattern: "Old", Recommendation: "r", Success: false, Confidence: 1, CreatedAt: testNow.AddDate(0, 0, -1)})

	got := m.Query(ctx, "Old", 5, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Samples)
	assert.InDelta(t, 0.0, got[0].Score, 1e-9)
}

type failingBackend struct{}

func (failingBackend) Append(context.Context, Record) error { return errors.New("disk full") }
func (failingBackend) Matching(context.Context, string, time.Time) ([]Record, error) {
	return nil, errors.New("locked")
}

func TestBackendFailureDegrades(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := New(failingBackend{}, WithLogger(zap.New(core)))
	ctx := context.Background()

	m.Record(ctx, Record{RuleID: "R1", Pattern: "P", Recommendation: "R"})
	assert.Empty(t, m.Query(ctx, "P", 5, 0.9))

	assert.Equal(t, 1, logs.FilterMessage("memory append failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("memory query failed").Len())
}
