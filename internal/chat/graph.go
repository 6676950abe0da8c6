package chat

import (
	"context"
	"errors"
	"log/slog"

	"graphchat/internal/checkpoint"
	"graphchat/internal/graph"
	"graphchat/internal/models"
	"graphchat/internal/node"
	"graphchat/internal/tool"
)

// ToolsName is the node that executes the tool calls of the last assistant turn.
const ToolsName = "tools"

const stopReasonToolUse = "tool_use"

// ErrNoToolUse is returned when the tools node runs without pending tool calls.
var ErrNoToolUse = errors.New("last message has no tool_use blocks")

// NewGraph wires the chat graph: llm runs first and hands over to tools while
// the model asks for them. store may be nil to disable checkpointing.
func NewGraph(llm graph.NodeFunc, tools *tool.Registry, store checkpoint.Store, logger *slog.Logger, opts ...graph.Option) (*graph.CompiledGraph, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := graph.New().
		AddNode(node.LLMName, llm).
		AddNode(ToolsName, toolsNode(tools, logger)).
		AddConditionalEdge(node.LLMName, route).
		AddEdge(ToolsName, node.LLMName).
		SetEntry(node.LLMName)

	if store != nil {
		opts = append([]graph.Option{graph.WithCheckpointStore(store)}, opts...)
	}
	opts = append([]graph.Option{graph.WithLogger(logger)}, opts...)
	return g.Compile(opts...)
}

func route(state models.State) string {
	if state.StopReason != stopReasonToolUse {
		return graph.END
	}
	last, ok := state.LastMessage()
	if !ok || last.Role != models.RoleAssistant || len(last.ToolUses()) == 0 {
		return graph.END
	}
	return ToolsName
}

// toolsNode answers every tool_use block with one tool_result block. Tool
// failures are reported to the model rather than failing the run.
func toolsNode(tools *tool.Registry, logger *slog.Logger) graph.NodeFunc {
	return func(ctx context.Context, state models.State, cfg models.RunConfig, _ graph.Writer) (models.State, error) {
		last, ok := state.LastMessage()
		if !ok {
			return models.State{}, ErrNoToolUse
		}
		uses := last.ToolUses()
		if len(uses) == 0 {
			return models.State{}, ErrNoToolUse
		}

		results := make([]models.ContentBlock, 0, len(uses))
		for _, use := range uses {
			if err := ctx.Err(); err != nil {
				return models.State{}, err
			}
			out, err := tools.Execute(ctx, use.Name, use.Input)
			if err != nil {
				logger.Warn("tool call failed", "tool", use.Name, "tool_use_id", use.ID, "thread_id", cfg.ThreadID, "error", err)
				results = append(results, models.NewToolResultBlock(use.ID, err.Error(), true))
				continue
			}
			results = append(results, models.NewToolResultBlock(use.ID, out, false))
		}

		return models.State{
			Messages: []models.Message{{Role: models.RoleUser, Content: results}},
		}, nil
	}
}
