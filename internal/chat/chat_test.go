package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphchat/internal/checkpoint"
	"graphchat/internal/graph"
	"graphchat/internal/models"
	"graphchat/internal/node"
	"graphchat/internal/tool"
)

type turn struct {
	chunks     []string
	content    []models.ContentBlock
	stopReason string
	err        error
}

// scriptedLLM replays one turn per call and records the state each call saw.
type scriptedLLM struct {
	turns []turn
	seen  []models.State
	cfgs  []models.RunConfig
}

func (s *scriptedLLM) invoke(_ context.Context, state models.State, cfg models.RunConfig, w graph.Writer) (models.State, error) {
	s.seen = append(s.seen, state)
	s.cfgs = append(s.cfgs, cfg)
	if len(s.turns) == 0 {
		return models.State{}, errors.New("no scripted turn left")
	}
	next := s.turns[0]
	s.turns = s.turns[1:]
	if next.err != nil {
		return models.State{}, next.err
	}
	for _, chunk := range next.chunks {
		w(chunk)
	}
	return models.State{
		Messages:   []models.Message{{Role: models.RoleAssistant, Content: next.content}},
		StopReason: next.stopReason,
	}, nil
}

func textTurn(text string) turn {
	return turn{chunks: []string{text}, content: []models.ContentBlock{models.NewTextBlock(text)}, stopReason: "end_turn"}
}

func toolTurn(id, name, input string) turn {
	return turn{
		chunks: []string{"checking"},
		content: []models.ContentBlock{
			models.NewTextBlock("checking"),
			models.NewToolUseBlock(id, name, json.RawMessage(input)),
		},
		stopReason: "tool_use",
	}
}

func newService(t *testing.T, llm *scriptedLLM, store checkpoint.Store) *Service {
	t.Helper()
	tools, err := tool.NewDefaultRegistry()
	require.NoError(t, err)
	g, err := NewGraph(llm.invoke, tools, store, nil)
	require.NoError(t, err)
	return NewService(g)
}

func testRequest() Request {
	return Request{
		UserID:   "user-1",
		ThreadID: "thread-1",
		Content:  "hello",
		Settings: models.NodeSettings{PrimaryModel: "a", SecondaryModel: "b"},
	}
}

func TestComplete_ReturnsFirstText(t *testing.T) {
	llm := &scriptedLLM{turns: []turn{textTurn("hi there")}}
	svc := newService(t, llm, nil)

	text, err := svc.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)

	require.Len(t, llm.cfgs, 1)
	cfg := llm.cfgs[0]
	assert.Equal(t, "thread-1", cfg.ThreadID)
	assert.Equal(t, map[string]string{"user_id": "user-1"}, cfg.Metadata)
	assert.Equal(t, models.NodeSettings{PrimaryModel: "a", SecondaryModel: "b"}, cfg.Nodes[node.LLMName])

	require.Len(t, llm.seen[0].Messages, 1)
	assert.Equal(t, models.UserText("hello"), llm.seen[0].Messages[0])
}

func TestComplete_RunsToolLoop(t *testing.T) {
	llm := &scriptedLLM{turns: []turn{
		toolTurn("tu_1", "get_placeholder", `{"placeholder":"pong"}`),
		textTurn("done"),
	}}
	svc := newService(t, llm, nil)

	text, err := svc.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	require.Len(t, llm.seen, 2)
	last, ok := llm.seen[1].LastMessage()
	require.True(t, ok)
	assert.Equal(t, models.RoleUser, last.Role)
	require.Len(t, last.Content, 1)
	assert.Equal(t, &models.ToolResultBlock{ToolUseID: "tu_1", Content: "pong"}, last.Content[0].ToolResult)
}

func TestToolsNode_ReportsFailuresToModel(t *testing.T) {
	llm := &scriptedLLM{turns: []turn{
		toolTurn("tu_1", "get_placeholder", `{"wrong":1}`),
		textTurn("sorry"),
	}}
	svc := newService(t, llm, nil)

	_, err := svc.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	last, _ := llm.seen[1].LastMessage()
	result := last.Content[0].ToolResult
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "invalid tool input")
}

func TestToolsNode_UnknownTool(t *testing.T) {
	llm := &scriptedLLM{turns: []turn{
		toolTurn("tu_1", "missing", `{}`),
		textTurn("ok"),
	}}
	svc := newService(t, llm, nil)

	_, err := svc.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	last, _ := llm.seen[1].LastMessage()
	assert.True(t, last.Content[0].ToolResult.IsError)
}

func TestRoute(t *testing.T) {
	toolUse := models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{
		models.NewToolUseBlock("tu", "get_placeholder", nil),
	}}
	text := models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{models.NewTextBlock("x")}}

	assert.Equal(t, ToolsName, route(models.State{Messages: []models.Message{toolUse}, StopReason: "tool_use"}))
	assert.Equal(t, graph.END, route(models.State{Messages: []models.Message{toolUse}, StopReason: "end_turn"}))
	assert.Equal(t, graph.END, route(models.State{Messages: []models.Message{text}, StopReason: "tool_use"}))
	assert.Equal(t, graph.END, route(models.State{StopReason: "tool_use"}))
}

func TestStream_RelaysChunksInOrder(t *testing.T) {
	llm := &scriptedLLM{turns: []turn{
		toolTurn("tu_1", "get_placeholder", `{"placeholder":"x"}`),
		{chunks: []string{"a", "b", "c"}, content: []models.ContentBlock{models.NewTextBlock("abc")}, stopReason: "end_turn"},
	}}
	svc := newService(t, llm, nil)

	var got []string
	err := svc.Stream(context.Background(), testRequest(), func(chunk string) { got = append(got, chunk) })
	require.NoError(t, err)
	assert.Equal(t, []string{"checking", "a", "b", "c"}, got)
}

func TestService_PropagatesNodeErrors(t *testing.T) {
	fallback := &node.FallbackError{
		Primary:   &node.ProviderCallError{Model: "a", Err: errors.New("boom")},
		Secondary: &node.ProviderCallError{Model: "b", Err: errors.New("bang")},
	}
	llm := &scriptedLLM{turns: []turn{{err: fallback}}}
	svc := newService(t, llm, nil)

	err := svc.Stream(context.Background(), testRequest(), nil)
	require.Error(t, err)
	var target *node.FallbackError
	assert.ErrorAs(t, err, &target)
}

func TestComplete_NoAssistantText(t *testing.T) {
	llm := &scriptedLLM{turns: []turn{{content: nil, stopReason: "max_tokens"}}}
	svc := newService(t, llm, nil)

	_, err := svc.Complete(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestComplete_ContinuesThreadFromCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &scriptedLLM{turns: []turn{textTurn("first"), textTurn("second")}}
	svc := newService(t, llm, store)

	_, err := svc.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	req := testRequest()
	req.Content = "again"
	text, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "second", text)

	require.Len(t, llm.seen[1].Messages, 3)
	assert.Equal(t, models.UserText("again"), llm.seen[1].Messages[2])
}

func TestRunConfig_CopiesMetadata(t *testing.T) {
	req := testRequest()
	req.Metadata = map[string]string{"source": "api"}

	cfg := runConfig(req)
	assert.Equal(t, map[string]string{"source": "api", "user_id": "user-1"}, cfg.Metadata)
	assert.Equal(t, map[string]string{"source": "api"}, req.Metadata)
}
