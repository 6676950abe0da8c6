package models

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags the variant held by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one typed unit of message content. Exactly one of Text,
// ToolUse or ToolResult is set, matching Type.
type ContentBlock struct {
	Type       BlockType
	Text       *TextBlock
	ToolUse    *ToolUseBlock
	ToolResult *ToolResultBlock
}

// TextBlock is plain assistant or user text.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolUseBlock is a model request to invoke a tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock carries the outcome of a tool invocation back to the model.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: &TextBlock{Text: text}}
}

// NewToolUseBlock returns a tool_use content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &ToolUseBlock{ID: id, Name: name, Input: input}}
}

// NewToolResultBlock returns a tool_result content block.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: &ToolResultBlock{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

type wireBlock struct {
	Type      BlockType       `json:"type"`
	Text      *string         `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MarshalJSON encodes the block in the Messages API document shape.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	w := wireBlock{Type: b.Type}
	switch b.Type {
	case BlockText:
		if b.Text == nil {
			return nil, fmt.Errorf("text block missing body")
		}
		w.Text = &b.Text.Text
	case BlockToolUse:
		if b.ToolUse == nil {
			return nil, fmt.Errorf("tool_use block missing body")
		}
		w.ID = b.ToolUse.ID
		w.Name = b.ToolUse.Name
		w.Input = b.ToolUse.Input
		if len(w.Input) == 0 {
			w.Input = json.RawMessage(`{}`)
		}
	case BlockToolResult:
		if b.ToolResult == nil {
			return nil, fmt.Errorf("tool_result block missing body")
		}
		w.ToolUseID = b.ToolResult.ToolUseID
		w.Content = b.ToolResult.Content
		w.IsError = b.ToolResult.IsError
	default:
		return nil, fmt.Errorf("unknown content block type %q", b.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a block document, rejecting unknown types.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case BlockText:
		text := ""
		if w.Text != nil {
			text = *w.Text
		}
		*b = NewTextBlock(text)
	case BlockToolUse:
		*b = NewToolUseBlock(w.ID, w.Name, w.Input)
	case BlockToolResult:
		*b = NewToolResultBlock(w.ToolUseID, w.Content, w.IsError)
	default:
		return fmt.Errorf("unknown content block type %q", w.Type)
	}
	return nil
}

// Message is a single conversation turn.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{NewTextBlock(text)}}
}

// FirstText returns the first text block of the message, if any.
func (m Message) FirstText() (string, bool) {
	for _, block := range m.Content {
		if block.Type == BlockText && block.Text != nil {
			return block.Text.Text, true
		}
	}
	return "", false
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, block := range m.Content {
		if block.Type == BlockToolUse && block.ToolUse != nil {
			out = append(out, *block.ToolUse)
		}
	}
	return out
}

// State is the conversation state flowing through the chat graph.
// Messages is append-only; nodes return fragments that the graph merges.
type State struct {
	Messages   []Message `json:"messages"`
	StopReason string    `json:"stop_reason,omitempty"`
}

// LastMessage returns the most recent message.
func (s State) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Merge applies a node update: new messages are appended and a non-empty
// stop reason replaces the current one. Neither input is modified.
func (s State) Merge(update State) State {
	merged := State{
		Messages:   make([]Message, 0, len(s.Messages)+len(update.Messages)),
		StopReason: s.StopReason,
	}
	merged.Messages = append(merged.Messages, s.Messages...)
	merged.Messages = append(merged.Messages, update.Messages...)
	if update.StopReason != "" {
		merged.StopReason = update.StopReason
	}
	return merged
}

// ToolSchema describes a tool exposed to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// NodeSettings holds the per-call settings of a single graph node.
type NodeSettings struct {
	PrimaryModel   string   `json:"primary_model"`
	SecondaryModel string   `json:"secondary_model"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// RunConfig is the per-invocation configuration handed to the graph and its nodes.
type RunConfig struct {
	// ThreadID keys the checkpoint of the conversation. Empty disables checkpointing.
	ThreadID string
	// Nodes maps a node name to its settings.
	Nodes map[string]NodeSettings
	// Metadata carries caller tags that nodes pass through without interpreting.
	Metadata map[string]string
}
