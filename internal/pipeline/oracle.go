package pipeline

import (
	"context"

	"github.com/joestump/upgrade-ops/internal/metrics"
	"github.com/joestump/upgrade-ops/internal/oracle"
)

// countingOracle counts oracle calls by outcome.
type countingOracle struct {
	next oracle.Oracle
	m    *metrics.Metrics
}

func (c countingOracle) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	out, err := c.next.Complete(ctx, prompt, maxTokens, temperature)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.m.OracleCalls.WithLabelValues(outcome).Inc()
	return out, err
}
