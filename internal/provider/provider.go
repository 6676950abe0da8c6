package provider

import (
	"context"
	"encoding/json"
	"errors"

	"graphchat/internal/models"
)

// ErrStreamIncomplete indicates the upstream stream ended before the final message was complete.
var ErrStreamIncomplete = errors.New("stream ended before message_stop")

// ErrCircuitOpen indicates calls to a model are being rejected by its circuit breaker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Client issues streaming message requests against a model provider.
type Client interface {
	StreamMessage(ctx context.Context, req MessageRequest) (MessageStream, error)
}

// MessageStream yields incremental text while a generation is in flight.
// Callers must Close the stream on every path.
type MessageStream interface {
	// Next advances to the next text fragment. It returns false when the
	// stream is exhausted or failed; check Err afterwards.
	Next() bool
	// Text returns the fragment produced by the last successful Next.
	Text() string
	// Err returns the first error encountered while reading the stream.
	Err() error
	// FinalMessage drains the stream and returns the accumulated message.
	FinalMessage() (*Message, error)
	// Close releases the underlying connection. It is safe to call more than once.
	Close() error
}

// MessageRequest is a single generation request.
type MessageRequest struct {
	Model       string
	Messages    []models.Message
	System      []string
	Tools       []models.ToolSchema
	MaxTokens   int
	Temperature float64
}

// Message is the final structured message reported by the provider.
type Message struct {
	ID         string
	Model      string
	Role       string
	Content    []Block
	StopReason string
	Usage      Usage
}

// Block is a content block as reported on the wire. Type is kept verbatim so
// consumers can reject shapes they do not understand.
type Block struct {
	Type      string
	Text      string
	Citations []json.RawMessage
	ID        string
	Name      string
	Input     json.RawMessage
}

// Usage records token accounting information.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
