// Package node provides the node-execution seam for the pipeline engine:
// a registry of handlers addressable by type ID, plus the expression
// templating used to build stage execution data.
//
// The pipeline core only depends on the registry through small interfaces,
// so a distributed or out-of-process executor can be substituted without
// touching the engine.
package node

import (
	"context"
	"sync"

	"github.com/dazflow/dazflow/errors"
)

// Handler executes one node type. Implementations may run in-process
// synchronously or dispatch elsewhere and await; the engine does not care
// which.
type Handler interface {
	// Execute runs the node with its evaluated configuration data and the
	// stage execution context.
	Execute(ctx context.Context, data map[string]any, contextData map[string]any) (any, error)

	// Version is the handler's logic version token. It must change
	// whenever the handler's observable behavior changes; the code hasher
	// derives stage code hashes from it. An empty version marks a static
	// node with no execute logic.
	Version() string
}

// Registry maps node type IDs to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for a node type, replacing any existing one.
func (r *Registry) Register(typeID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeID] = handler
}

// Get returns the handler for a node type.
func (r *Registry) Get(typeID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[typeID]
	return handler, ok
}

// TypeIDs returns the registered node type IDs.
func (r *Registry) TypeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}

// Execute runs the handler registered for typeID. Satisfies the pipeline
// engine's NodeExecutor contract.
func (r *Registry) Execute(ctx context.Context, typeID string, data map[string]any, contextData map[string]any) (any, error) {
	handler, ok := r.Get(typeID)
	if !ok {
		return nil, errors.Wrapf(errors.ErrExecution, "unknown node type %q", typeID)
	}
	return handler.Execute(ctx, data, contextData)
}

// CodeVersion returns the version token for a node type. Satisfies the
// pipeline engine's NodeVersioner contract.
func (r *Registry) CodeVersion(typeID string) (string, error) {
	handler, ok := r.Get(typeID)
	if !ok {
		return "", errors.Newf("unknown node type %q", typeID)
	}
	return handler.Version(), nil
}
