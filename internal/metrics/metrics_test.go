package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RulesApplied.Add(3)
	a.ObserveBuild("post-fix", true)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.RulesApplied))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RulesApplied))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Builds.WithLabelValues("post-fix", "success")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Projects.WithLabelValues("success").Inc()
	m.VerifierPasses.Observe(2)

	path := filepath.Join(t.TempDir(), "upgradeops.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `upgradeops_projects_total{outcome="success"} 1`), text)
	assert.Contains(t, text, "upgradeops_verifier_passes_count 1")
}

func TestWriteTextfileEmptyPath(t *testing.T) {
	assert.NoError(t, New().WriteTextfile(""))
}
