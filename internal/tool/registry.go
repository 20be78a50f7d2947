// Package tool exposes script sessions as tools an agent can call.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrInvalidInput reports a malformed tool request. It never reaches a
	// script session.
	ErrInvalidInput = errors.New("invalid tool input")

	ErrToolNotFound = errors.New("tool not found")
	ErrDuplicate    = errors.New("tool already registered")
)

// Call is one invocation of a tool.
type Call struct {
	// Input is the raw JSON arguments object.
	Input json.RawMessage
	// ConversationID identifies the calling conversation. It may be empty.
	ConversationID string
}

// Tool is a named operation an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON schema of the arguments object.
	InputSchema() map[string]any
	// Run returns the message to hand back to the agent. Errors are for
	// invalid input and broken invariants, never for script failures.
	Run(ctx context.Context, call Call) (string, error)
}

// Registry holds the tools available to one server. It is built at
// startup and passed to whatever needs lookups.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name() < tools[j].Name()
	})
	return tools
}

// Run looks up a tool by name and runs it.
func (r *Registry) Run(ctx context.Context, name string, call Call) (string, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return t.Run(ctx, call)
}
