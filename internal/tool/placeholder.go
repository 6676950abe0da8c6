package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

const placeholderSchema = `{
  "type": "object",
  "properties": {
    "placeholder": {
      "type": "string",
      "description": "Any text; it is returned unchanged."
    }
  },
  "required": ["placeholder"],
  "additionalProperties": false
}`

// Placeholder is a trivial tool that echoes its argument. It keeps the tool
// loop exercised until real tools are registered.
type Placeholder struct{}

func (Placeholder) Name() string { return "get_placeholder" }

func (Placeholder) Description() string {
	return "Returns the placeholder argument unchanged. Useful for testing tool calls."
}

func (Placeholder) InputSchema() json.RawMessage { return json.RawMessage(placeholderSchema) }

func (Placeholder) Call(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Placeholder string `json:"placeholder"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("decode placeholder input: %w", err)
	}
	return args.Placeholder, nil
}

// NewDefaultRegistry returns a registry holding the built-in tools.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(Placeholder{}); err != nil {
		return nil, err
	}
	return r, nil
}
