package pipeline

import (
	"context"

	"github.com/joestump/upgrade-ops/internal/build"
)

// regressionCheck accepts a mutation when the build succeeds or reports
// no more diagnostics than the last accepted state. A project that did
// not build before autofix would otherwise have every edit rolled back.
type regressionCheck struct {
	dotnet   BuildOracle
	manifest string
	baseline int
}

func newRegressionCheck(d BuildOracle, manifest string, initial build.Result) *regressionCheck {
	return &regressionCheck{dotnet: d, manifest: manifest, baseline: diagnosticCount(initial)}
}

func (c *regressionCheck) Check(ctx context.Context, _ string) bool {
	res := c.dotnet.Build(ctx, c.manifest)
	n := diagnosticCount(res)
	if res.Success || n <= c.baseline {
		c.baseline = n
		return true
	}
	return false
}

func diagnosticCount(r build.Result) int {
	if r.Success {
		return 0
	}
	return len(build.ParseDiagnostics(r.Log))
}
