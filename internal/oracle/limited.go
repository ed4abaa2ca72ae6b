package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joestump/upgrade-ops/internal/logging"
)

// Limited bounds an Oracle: calls wait on a token bucket, each call gets
// its own deadline, and blank replies are reported as ErrUnavailable.
type Limited struct {
	next    Oracle
	limiter *rate.Limiter
	timeout time.Duration
	log     *zap.Logger
}

// NewLimited wraps next. A non-positive perSecond disables rate limiting
// and a non-positive timeout disables the per-call deadline.
func NewLimited(next Oracle, perSecond float64, timeout time.Duration, log *zap.Logger) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	log = logging.OrNop(log)
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		log:     log,
	}
}

func (l *Limited) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w: %w", ErrUnavailable, err)
	}

	start := time.Now()
	out, err := l.next.Complete(ctx, prompt, maxTokens, temperature)
	l.log.Debug("oracle call",
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("reply_chars", len(out)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("empty reply: %w", ErrUnavailable)
	}
	return out, nil
}
