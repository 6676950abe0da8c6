package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"graphchat/internal/models"
)

// ErrUnknownTool indicates the requested tool is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ErrDuplicateTool indicates an attempt to register the same tool twice.
var ErrDuplicateTool = errors.New("tool already registered")

// ErrInvalidInput indicates tool input failed JSON decoding or schema validation.
var ErrInvalidInput = errors.New("invalid tool input")

// Tool is a capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema document of the tool input.
	InputSchema() json.RawMessage
	Call(ctx context.Context, input json.RawMessage) (string, error)
}

type toolEntry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maintains the set of tools available to the chat graph.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]toolEntry
}

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]toolEntry)}
}

// Register compiles the tool's input schema and adds it to the registry.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool must not be nil")
	}
	name := t.Name()
	if name == "" {
		return errors.New("tool name must not be empty")
	}

	schema, err := compileSchema(name, t.InputSchema())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = toolEntry{tool: t, schema: schema}
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return entry.tool, nil
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

// Schemas returns the schema of every registered tool keyed by name.
func (r *Registry) Schemas() map[string]models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.ToolSchema, len(r.tools))
	for name, entry := range r.tools {
		out[name] = models.ToolSchema{
			Name:        name,
			Description: entry.tool.Description(),
			InputSchema: entry.tool.InputSchema(),
		}
	}
	return out
}

// Execute validates input against the tool's schema and calls it.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if entry.schema != nil {
		var v any
		if err := json.Unmarshal(input, &v); err != nil {
			return "", fmt.Errorf("%w for %s: %v", ErrInvalidInput, name, err)
		}
		if err := entry.schema.Validate(v); err != nil {
			return "", fmt.Errorf("%w for %s: %v", ErrInvalidInput, name, err)
		}
	}

	return entry.tool.Call(ctx, input)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return compiled, nil
}
