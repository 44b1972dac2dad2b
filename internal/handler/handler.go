// Package handler defines story handlers: pluggable renderers that turn a
// story's handler-specific JSON message payloads into the plain-text
// conversation lines fed to fact extraction.
//
// Each story names its handler at creation time; the extraction pipeline
// looks the name up in a [Registry] and renders every pending message through
// it. Messages whose payload does not satisfy the handler's schema are
// dropped from the rendered conversation ([ErrContentSchema]); an
// unregistered handler name aborts the whole batch ([ErrUnknownHandler]) so
// no message is consumed by a renderer that cannot understand it.
package handler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/engram/pkg/memory"
)

// ErrUnknownHandler is returned by [Registry.Lookup] for names no handler was
// registered under.
var ErrUnknownHandler = errors.New("handler: unknown handler")

// ErrContentSchema is returned by [Handler.MessageToString] when a message
// payload does not match the handler's content schema.
var ErrContentSchema = errors.New("handler: content does not match schema")

// Handler renders one story type's messages into conversation text.
//
// Implementations must be stateless or safe for concurrent use: a single
// handler instance renders messages from many extraction runs at once.
type Handler interface {
	// Name is the identifier stories reference. Lowercase by convention.
	Name() string

	// MessageToString renders one message into a single conversation line,
	// without a trailing newline. It returns an error wrapping
	// [ErrContentSchema] when the message payload does not match the
	// handler's schema for the message's content type.
	MessageToString(m memory.Message) (string, error)
}

// Registry maps handler names to registered handlers. The zero value is not
// usable; construct with [NewRegistry]. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under its name, replacing any previous registration.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Lookup returns the handler registered under name, or an error wrapping
// [ErrUnknownHandler].
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	return h, nil
}

// Names returns all registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
