// Package chat runs conversations through the chat graph.
package chat

import (
	"context"
	"errors"
	"fmt"

	"graphchat/internal/graph"
	"graphchat/internal/models"
	"graphchat/internal/node"
)

// ErrNoReply is returned when a run ends without assistant text.
var ErrNoReply = errors.New("assistant reply has no text")

// Runner executes the chat graph.
type Runner interface {
	Run(ctx context.Context, input models.State, cfg models.RunConfig, w graph.Writer) (models.State, error)
}

// Request is one user turn addressed to a conversation thread.
type Request struct {
	UserID   string
	ThreadID string
	Content  string
	Settings models.NodeSettings
	Metadata map[string]string
}

// Service dispatches chat requests to the graph.
type Service struct {
	runner Runner
}

// NewService constructs a service backed by the provided runner.
func NewService(runner Runner) *Service {
	return &Service{runner: runner}
}

// Complete runs the graph to completion and returns the first text block of
// the final assistant message.
func (s *Service) Complete(ctx context.Context, req Request) (string, error) {
	state, err := s.runner.Run(ctx, input(req), runConfig(req), nil)
	if err != nil {
		return "", fmt.Errorf("thread %s: %w", req.ThreadID, err)
	}

	last, ok := state.LastMessage()
	if !ok || last.Role != models.RoleAssistant {
		return "", ErrNoReply
	}
	text, ok := last.FirstText()
	if !ok {
		return "", ErrNoReply
	}
	return text, nil
}

// Stream runs the graph and passes every text fragment to emit as it arrives.
func (s *Service) Stream(ctx context.Context, req Request, emit func(string)) error {
	if emit == nil {
		emit = func(string) {}
	}
	if _, err := s.runner.Run(ctx, input(req), runConfig(req), graph.Writer(emit)); err != nil {
		return fmt.Errorf("thread %s: %w", req.ThreadID, err)
	}
	return nil
}

func input(req Request) models.State {
	return models.State{Messages: []models.Message{models.UserText(req.Content)}}
}

func runConfig(req Request) models.RunConfig {
	metadata := cloneMetadata(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	metadata["user_id"] = req.UserID

	return models.RunConfig{
		ThreadID: req.ThreadID,
		Nodes:    map[string]models.NodeSettings{node.LLMName: req.Settings},
		Metadata: metadata,
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
