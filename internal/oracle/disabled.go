package oracle

import (
	"context"
	"fmt"
)

// Disabled is an Oracle that rejects every call. It stands in for a
// provider whose configuration is missing so a run can proceed on
// deterministic fixes and learned rules alone.
type Disabled struct {
	name   string
	reason string
}

// NewDisabled returns an oracle that fails with ErrUnavailable, naming the
// provider and the reason.
func NewDisabled(name, reason string) *Disabled {
	return &Disabled{name: name, reason: reason}
}

func (d *Disabled) Name() string { return d.name }

func (d *Disabled) Complete(_ context.Context, _ string, _ int, _ float64) (string, error) {
	return "", fmt.Errorf("provider %q is disabled: %s: %w", d.name, d.reason, ErrUnavailable)
}
