// ABOUTME: Registry of local tools exposed to remote agents during streaming runs
// ABOUTME: Wraps langchaingo tools with JSON schemas and detects name collisions

package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	lctools "github.com/tmc/langchaingo/tools"
)

var (
	// ErrToolCollision is returned when registering a tool whose name is taken.
	ErrToolCollision = errors.New("tool name collision")
	// ErrToolNotFound is returned when calling a tool that is not registered.
	ErrToolNotFound = errors.New("tool not found")
)

// Tool is a langchaingo tool that also describes its parameters.
type Tool interface {
	lctools.Tool
	// Parameters returns the JSON schema of the argument object.
	Parameters() map[string]any
}

// Definition describes a tool for advertising on a remote agent.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Registry is a concurrency-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools. It fails on
// duplicate names.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrToolCollision, t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns a definition per tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Call invokes the named tool with a JSON argument string and returns its
// JSON result.
func (r *Registry) Call(ctx context.Context, name, args string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == "" {
		args = "{}"
	}
	return t.Call(ctx, args)
}
