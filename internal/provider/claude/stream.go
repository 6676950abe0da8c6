package claude

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"graphchat/internal/provider"
)

const maxEventBytes = 4 << 20 // 4 MiB

// messageStream decodes the Messages API event stream and accumulates the
// final message while handing out text deltas in arrival order.
type messageStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	message provider.Message
	blocks  map[int]*blockBuilder

	text string
	err  error
	done bool

	closeOnce sync.Once
	closeErr  error
}

type blockBuilder struct {
	block       provider.Block
	partialJSON strings.Builder
}

func newMessageStream(body io.ReadCloser) *messageStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return &messageStream{
		body:    body,
		scanner: scanner,
		blocks:  make(map[int]*blockBuilder),
	}
}

func (s *messageStream) Next() bool {
	s.text = ""
	for s.err == nil && !s.done {
		data, ok := s.readEvent()
		if !ok {
			return false
		}
		text, err := s.apply(data)
		if err != nil {
			s.err = err
			return false
		}
		if text != "" {
			s.text = text
			return true
		}
	}
	return false
}

func (s *messageStream) Text() string { return s.text }

func (s *messageStream) Err() error { return s.err }

func (s *messageStream) FinalMessage() (*provider.Message, error) {
	for s.Next() {
	}
	if s.err != nil {
		return nil, s.err
	}
	if !s.done {
		return nil, provider.ErrStreamIncomplete
	}

	indexes := make([]int, 0, len(s.blocks))
	for idx := range s.blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	msg := s.message
	msg.Content = make([]provider.Block, 0, len(indexes))
	for _, idx := range indexes {
		msg.Content = append(msg.Content, s.blocks[idx].finish())
	}
	return &msg, nil
}

func (s *messageStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// readEvent returns the data payload of the next SSE event. Multiple data
// lines are joined with a newline; comment lines are skipped.
func (s *messageStream) readEvent() ([]byte, bool) {
	var data [][]byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), true
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.Clone(bytes.TrimPrefix(rest, []byte(" "))))
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("read claude stream: %w", err)
		return nil, false
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), true
	}
	return nil, false
}

type streamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	Message      *wireMessage    `json:"message,omitempty"`
	ContentBlock *wireBlock      `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	Usage        *wireUsage      `json:"usage,omitempty"`
	Error        *apiErrorBody   `json:"error,omitempty"`
}

type wireMessage struct {
	ID         string     `json:"id"`
	Model      string     `json:"model"`
	Role       string     `json:"role"`
	StopReason string     `json:"stop_reason"`
	Usage      *wireUsage `json:"usage,omitempty"`
}

type wireBlock struct {
	Type      string            `json:"type"`
	Text      string            `json:"text"`
	Citations []json.RawMessage `json:"citations,omitempty"`
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Input     json.RawMessage   `json:"input,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireDelta struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	PartialJSON string          `json:"partial_json"`
	Citation    json.RawMessage `json:"citation,omitempty"`
	StopReason  string          `json:"stop_reason"`
}

// apply folds one event into the accumulated message and returns any text delta.
func (s *messageStream) apply(data []byte) (string, error) {
	var evt streamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return "", fmt.Errorf("decode claude stream event: %w", err)
	}

	switch evt.Type {
	case "message_start":
		if evt.Message != nil {
			s.message.ID = evt.Message.ID
			s.message.Model = evt.Message.Model
			s.message.Role = evt.Message.Role
			s.message.StopReason = evt.Message.StopReason
			if evt.Message.Usage != nil {
				s.message.Usage.InputTokens = evt.Message.Usage.InputTokens
				s.message.Usage.OutputTokens = evt.Message.Usage.OutputTokens
			}
		}

	case "content_block_start":
		if evt.ContentBlock == nil {
			return "", fmt.Errorf("content_block_start at index %d missing content_block", evt.Index)
		}
		cb := evt.ContentBlock
		s.blocks[evt.Index] = &blockBuilder{block: provider.Block{
			Type:      cb.Type,
			Text:      cb.Text,
			Citations: cb.Citations,
			ID:        cb.ID,
			Name:      cb.Name,
			Input:     cb.Input,
		}}

	case "content_block_delta":
		builder, ok := s.blocks[evt.Index]
		if !ok {
			return "", fmt.Errorf("content_block_delta for unknown index %d", evt.Index)
		}
		var delta wireDelta
		if err := json.Unmarshal(evt.Delta, &delta); err != nil {
			return "", fmt.Errorf("decode content_block_delta: %w", err)
		}
		switch delta.Type {
		case "text_delta":
			builder.block.Text += delta.Text
			return delta.Text, nil
		case "input_json_delta":
			builder.partialJSON.WriteString(delta.PartialJSON)
		case "citations_delta":
			if len(delta.Citation) > 0 {
				builder.block.Citations = append(builder.block.Citations, delta.Citation)
			}
		}

	case "content_block_stop":
		// Blocks are finalized lazily in FinalMessage.

	case "message_delta":
		var delta wireDelta
		if len(evt.Delta) > 0 {
			if err := json.Unmarshal(evt.Delta, &delta); err != nil {
				return "", fmt.Errorf("decode message_delta: %w", err)
			}
		}
		if delta.StopReason != "" {
			s.message.StopReason = delta.StopReason
		}
		if evt.Usage != nil {
			s.message.Usage.OutputTokens = evt.Usage.OutputTokens
		}

	case "message_stop":
		s.done = true

	case "error":
		if evt.Error == nil {
			return "", &APIError{Type: "stream_error", Message: string(data)}
		}
		return "", &APIError{Type: evt.Error.Type, Message: evt.Error.Message}

	default:
		// ping and future event types carry nothing to accumulate.
	}

	return "", nil
}

func (b *blockBuilder) finish() provider.Block {
	block := b.block
	if b.partialJSON.Len() > 0 {
		block.Input = json.RawMessage(b.partialJSON.String())
	}
	if block.Type == "tool_use" && len(block.Input) == 0 {
		block.Input = json.RawMessage(`{}`)
	}
	return block
}
