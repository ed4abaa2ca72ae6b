package oracle

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Provider names accepted by the registry.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderNone      = "none"
)

// Settings configures the provider backends.
type Settings struct {
	Model   string
	APIKey  string
	BaseURL string
}

// Registry maps provider names to Oracle implementations. Providers whose
// required configuration is missing are registered disabled so a run never
// fails at startup because of an oracle.
type Registry struct {
	oracles map[string]Oracle
}

// NewRegistry registers every known provider from s. The API key applies
// to whichever provider is selected; when empty each provider falls back
// to its conventional environment variable.
func NewRegistry(ctx context.Context, s Settings) *Registry {
	r := &Registry{oracles: make(map[string]Oracle)}
	r.Register(ProviderNone, NewDisabled(ProviderNone, "no oracle configured"))

	if s.APIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
		r.Register(ProviderAnthropic, NewAnthropic(s.Model, s.APIKey, s.BaseURL))
	} else {
		r.Register(ProviderAnthropic, NewDisabled(ProviderAnthropic, "ANTHROPIC_API_KEY is not set"))
	}

	if o, err := NewOpenAICompatible(s.Model, s.APIKey, s.BaseURL); err == nil {
		r.Register(ProviderOpenAI, o)
	} else {
		r.Register(ProviderOpenAI, NewDisabled(ProviderOpenAI, err.Error()))
	}

	geminiKey := s.APIKey
	if geminiKey == "" {
		geminiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if geminiKey == "" {
		r.Register(ProviderGemini, NewDisabled(ProviderGemini, "GOOGLE_API_KEY is not set"))
	} else if g, err := NewGemini(ctx, s.Model, geminiKey); err == nil {
		r.Register(ProviderGemini, g)
	} else {
		r.Register(ProviderGemini, NewDisabled(ProviderGemini, err.Error()))
	}

	return r
}

// Register adds or replaces an oracle in the registry.
func (r *Registry) Register(name string, o Oracle) {
	r.oracles[name] = o
}

// ResolveByName returns the oracle registered under name. An empty name
// selects the disabled oracle.
func (r *Registry) ResolveByName(name string) (Oracle, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = ProviderNone
	}
	o, ok := r.oracles[name]
	if !ok {
		return nil, fmt.Errorf("oracle provider %q is not registered (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return o, nil
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.oracles))
	for n := range r.oracles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
