// Package oracle wraps the text-generation services used to propose fixes
// and write summaries. Every backend satisfies Oracle; callers treat any
// error as "no suggestion" and carry on.
package oracle

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrUnavailable marks failures where no completion could be obtained:
// transport errors, timeouts, disabled providers and empty replies.
var ErrUnavailable = errors.New("oracle unavailable")

// Oracle produces a free-text completion for a prompt.
type Oracle interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Func adapts an ordinary function to the Oracle interface.
type Func func(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, prompt, maxTokens, temperature)
}

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+#-]*[ \t]*\r?\n(.*?)```")

// FirstCodeBlock returns the body of the first fenced code block in s.
func FirstCodeBlock(s string) (string, bool) {
	m := fenceRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	body := strings.TrimRight(m[1], "\r\n")
	if strings.TrimSpace(body) == "" {
		return "", false
	}
	return body, true
}
