package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name   string
	schema string
	calls  int
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub " + s.name }
func (s *stubTool) InputSchema() json.RawMessage { return json.RawMessage(s.schema) }
func (s *stubTool) Call(_ context.Context, input json.RawMessage) (string, error) {
	s.calls++
	return string(input), nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "b", schema: `{"type":"object"}`}))
	require.NoError(t, r.Register(&stubTool{name: "a"}))

	got, err := r.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name())

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownTool)

	assert.Equal(t, []string{"a", "b"}, r.Names())

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "stub b", schemas["b"].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(schemas["b"].InputSchema))
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "dup"}))

	err := r.Register(&stubTool{name: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegistry_RejectsBadSchema(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&stubTool{name: "bad", schema: `{"type": 12}`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	err = r.Register(nil)
	assert.Error(t, err)

	err = r.Register(&stubTool{})
	assert.Error(t, err)
}

func TestRegistry_ExecuteValidatesInput(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	out, err := r.Execute(context.Background(), "get_placeholder", json.RawMessage(`{"placeholder":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	tests := []struct {
		name  string
		input string
	}{
		{name: "missing field", input: `{}`},
		{name: "wrong type", input: `{"placeholder": 3}`},
		{name: "extra field", input: `{"placeholder":"x","other":1}`},
		{name: "not json", input: `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), "get_placeholder", json.RawMessage(tt.input))
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_ExecuteDefaultsEmptyInput(t *testing.T) {
	r := NewRegistry()
	stub := &stubTool{name: "s", schema: `{"type":"object"}`}
	require.NoError(t, r.Register(stub))

	out, err := r.Execute(context.Background(), "s", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
	assert.Equal(t, 1, stub.calls)
}
