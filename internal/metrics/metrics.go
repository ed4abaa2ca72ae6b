// Package metrics counts pipeline activity in a private Prometheus
// registry. A batch run has no scrape endpoint, so the registry is
// written once as a node-exporter textfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the upgradeops collectors.
//
//   - upgradeops_projects_total{outcome}        projects finished (success, failure, error)
//   - upgradeops_builds_total{stage,outcome}    dotnet builds by pipeline stage
//   - upgradeops_rules_total{provenance}        rules produced for a project
//   - upgradeops_rules_applied_total            rules that mutated at least one file
//   - upgradeops_verifier_passes                fix passes per verifier run
//   - upgradeops_oracle_calls_total{outcome}    generative oracle calls
//   - upgradeops_memory_records_total           outcome records written
//   - upgradeops_project_duration_seconds       wall time per project
type Metrics struct {
	reg *prometheus.Registry

	Projects       *prometheus.CounterVec
	Builds         *prometheus.CounterVec
	Rules          *prometheus.CounterVec
	RulesApplied   prometheus.Counter
	VerifierPasses prometheus.Histogram
	OracleCalls    *prometheus.CounterVec
	MemoryRecords  prometheus.Counter
	Duration       prometheus.Histogram
}

// New registers a fresh set of collectors on their own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Projects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upgradeops_projects_total",
			Help: "Projects processed, by final outcome.",
		}, []string{"outcome"}),
		Builds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upgradeops_builds_total",
			Help: "dotnet build invocations, by pipeline stage and outcome.",
		}, []string{"stage", "outcome"}),
		Rules: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upgradeops_rules_total",
			Help: "Rules considered for a project, by provenance.",
		}, []string{"provenance"}),
		RulesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "upgradeops_rules_applied_total",
			Help: "Autofix rules that mutated at least one file.",
		}),
		VerifierPasses: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "upgradeops_verifier_passes",
			Help:    "Fix passes used per verifier run.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		OracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upgradeops_oracle_calls_total",
			Help: "Generative oracle calls, by outcome.",
		}, []string{"outcome"}),
		MemoryRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "upgradeops_memory_records_total",
			Help: "Rule outcome records appended to memory.",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "upgradeops_project_duration_seconds",
			Help:    "Wall time spent per project.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8),
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// BuildOutcome returns the label value for a build result.
func BuildOutcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ObserveBuild counts one build at stage.
func (m *Metrics) ObserveBuild(stage string, success bool) {
	m.Builds.WithLabelValues(stage, BuildOutcome(success)).Inc()
}

// WriteTextfile writes the registry to path in the text exposition format.
// An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
