package outcome

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/rules"
)

type captureStore struct{ records []memory.Record }

func (c *captureStore) Record(_ context.Context, r memory.Record) { c.records = append(c.records, r) }

func TestRecordWritesEveryConsideredRule(t *testing.T) {
	store := &captureStore{}
	considered := []rules.Rule{
		{ID: "MEM-R001", Pattern: "SqlConnection", Recommendation: "Microsoft.Data.SqlClient.SqlConnection", Confidence: 0.9, Provenance: rules.Learned},
		{ID: "AUTO-R000", Pattern: "Foo.Bar", Recommendation: "Foo.Baz", Confidence: 0.5, Provenance: rules.Generated},
		{ID: "PKG-001", Pattern: "Newtonsoft", Recommendation: "System.Text.Json", Confidence: 1, Provenance: rules.Static},
		{ID: "AUTO-R000", Pattern: "Foo.Bar", Recommendation: "Foo.Baz", Confidence: 0.5, Provenance: rules.Generated},
		{ID: "EMPTY"},
	}
	codes := []string{"CS0246"}

	n := NewRecorder(store, nil).Record(context.Background(), considered, Final{Project: "Api", Success: false, ErrorCodes: codes})
	assert.Equal(t, 3, n)
	require.Len(t, store.records, 3)

	assert.Equal(t, memory.Record{
		RuleID:         "MEM-R001",
		Pattern:        "SqlConnection",
		Recommendation: "Microsoft.Data.SqlClient.SqlConnection",
		Project:        "Api",
		ErrorCodes:     []string{"CS0246"},
		Success:        false,
		Confidence:     0.9,
	}, store.records[0])
	assert.Equal(t, "PKG-001", store.records[2].RuleID)

	// Records own their error codes.
	codes[0] = "mutated"
	assert.Equal(t, "CS0246", store.records[1].ErrorCodes[0])
}

func TestRecordFeedsMemory(t *testing.T) {
	backend := &sliceBackend{}
	mem := memory.New(backend)
	NewRecorder(mem, nil).Record(context.Background(),
		[]rules.Rule{{ID: "R1", Pattern: "Foo.Bar", Recommendation: "Foo.Baz", Confidence: 1}},
		Final{Project: "Demo", Success: true},
	)

	got := mem.Query(context.Background(), "Foo", 5, memory.DefaultDecayWeight)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}
