package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry routes completion requests to the right provider, either by
// explicit provider name or by model id prefix.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]LLMProvider{}}
}

// Register adds a provider under its Name().
func (r *Registry) Register(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// ForModel resolves the provider for a model id. An explicit provider name
// wins; otherwise the model prefix decides.
func (r *Registry) ForModel(providerName, model string) (LLMProvider, error) {
	if providerName != "" {
		return r.Get(providerName)
	}
	switch {
	case strings.HasPrefix(model, "claude"):
		return r.Get("anthropic")
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return r.Get("openai")
	}
	return nil, fmt.Errorf("no provider for model %q", model)
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
