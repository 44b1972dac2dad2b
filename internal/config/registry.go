package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/engram/pkg/provider/embeddings"
	"github.com/MrWong99/engram/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM gateway from its config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// EmbeddingsFactory builds an embeddings gateway from its config entry.
type EmbeddingsFactory func(ProviderEntry) (embeddings.Provider, error)

// Registry maps provider names from the config file to the factories that
// build the corresponding gateways. The daemon registers its built-in
// factories at startup; Create* is then driven purely by configuration.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]LLMFactory
	embeddings map[string]EmbeddingsFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]LLMFactory),
		embeddings: make(map[string]EmbeddingsFactory),
	}
}

// RegisterLLM registers factory under name. Registering the same name again
// overwrites the previous factory.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM builds the LLM gateway named by entry. The returned error wraps
// [ErrProviderNotRegistered] and lists the registered names when entry.Name
// is unknown.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	var known []string
	if !ok {
		known = slices.Sorted(maps.Keys(r.llm))
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: llm/%q (registered: %s)", ErrProviderNotRegistered, entry.Name, nameList(known))
	}
	return factory(entry)
}

// CreateEmbeddings builds the embeddings gateway named by entry.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	var known []string
	if !ok {
		known = slices.Sorted(maps.Keys(r.embeddings))
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q (registered: %s)", ErrProviderNotRegistered, entry.Name, nameList(known))
	}
	return factory(entry)
}

func nameList(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
