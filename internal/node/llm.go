// Package node holds the chat graph nodes.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"graphchat/internal/graph"
	"graphchat/internal/models"
	"graphchat/internal/provider"
	"graphchat/internal/tracer"
)

const (
	// LLMName is the node name and the key of its settings in RunConfig.Nodes.
	LLMName = "llm"

	// SystemPromptName is the template rendered into the second system block.
	SystemPromptName = "system.jinja2"

	DefaultMaxTokens   = 8192
	DefaultTemperature = 0.0
)

// PromptSource renders named prompt templates.
type PromptSource interface {
	Render(name string) (string, error)
}

// LLM produces the next assistant turn with the primary model, falling back
// to the secondary model once. It holds no per-call state and is safe for
// concurrent use.
type LLM struct {
	client  provider.Client
	tools   []models.ToolSchema
	prompts PromptSource
	logger  *slog.Logger
	now     func() time.Time
	metrics tracer.Metrics
}

// LLMOption configures an LLM node.
type LLMOption func(*LLM)

// WithLogger sets the node logger.
func WithLogger(logger *slog.Logger) LLMOption {
	return func(n *LLM) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock overrides the clock used for the current-date system block.
func WithClock(now func() time.Time) LLMOption {
	return func(n *LLM) {
		if now != nil {
			n.now = now
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m tracer.Metrics) LLMOption {
	return func(n *LLM) {
		if m != nil {
			n.metrics = m
		}
	}
}

// NewLLM captures the client, tool schemas and prompt source for reuse across calls.
func NewLLM(client provider.Client, tools map[string]models.ToolSchema, prompts PromptSource, opts ...LLMOption) *LLM {
	schemas := make([]models.ToolSchema, 0, len(tools))
	for _, schema := range tools {
		schemas = append(schemas, schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })

	n := &LLM{
		client:  client,
		tools:   schemas,
		prompts: prompts,
		logger:  slog.Default(),
		now:     time.Now,
		metrics: tracer.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ graph.NodeFunc = (*LLM)(nil).Invoke

// Invoke runs one assistant turn. The returned state holds exactly one new
// message and the provider's stop reason. Text fragments are pushed to sink
// as they arrive.
func (n *LLM) Invoke(ctx context.Context, state models.State, cfg models.RunConfig, sink graph.Writer) (result models.State, err error) {
	settings, err := settingsFor(cfg)
	if err != nil {
		return models.State{}, err
	}
	if sink == nil {
		sink = func(string) {}
	}

	ctx, span := tracer.StartSpan(ctx, "llm.invoke", trace.WithAttributes(
		tracer.StringAttr("primary_model", settings.PrimaryModel),
		tracer.StringAttr("secondary_model", settings.SecondaryModel),
	))
	defer func() { tracer.End(span, err) }()

	result, primaryErr := n.attempt(ctx, settings.PrimaryModel, settings, state, sink)
	if primaryErr == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return models.State{}, fmt.Errorf("primary model %s interrupted: %w", settings.PrimaryModel, context.Cause(ctx))
	}

	n.logger.Warn("primary model failed, falling back",
		"primary_model", settings.PrimaryModel,
		"secondary_model", settings.SecondaryModel,
		"error", primaryErr.Error(),
	)
	n.metrics.RecordFallback(ctx, settings.PrimaryModel, settings.SecondaryModel)

	result, secondaryErr := n.attempt(ctx, settings.SecondaryModel, settings, state, sink)
	if secondaryErr == nil {
		return result, nil
	}

	n.logger.Error("primary and fallback models failed",
		"primary_model", settings.PrimaryModel,
		"primary_error", primaryErr.Error(),
		"secondary_model", settings.SecondaryModel,
		"secondary_error", secondaryErr.Error(),
	)
	return models.State{}, &FallbackError{
		Primary:   &ProviderCallError{Model: settings.PrimaryModel, Err: primaryErr},
		Secondary: &ProviderCallError{Model: settings.SecondaryModel, Err: secondaryErr},
	}
}

func settingsFor(cfg models.RunConfig) (models.NodeSettings, error) {
	settings, ok := cfg.Nodes[LLMName]
	if !ok {
		return models.NodeSettings{}, &ConfigurationError{Node: LLMName}
	}
	if strings.TrimSpace(settings.PrimaryModel) == "" {
		return models.NodeSettings{}, &ConfigurationError{Node: LLMName, Key: "primary_model"}
	}
	if strings.TrimSpace(settings.SecondaryModel) == "" {
		return models.NodeSettings{}, &ConfigurationError{Node: LLMName, Key: "secondary_model"}
	}
	return settings, nil
}

// attempt streams one generation from model. The stream is closed on every
// path, including cancellation of ctx while a read is blocked.
func (n *LLM) attempt(ctx context.Context, model string, settings models.NodeSettings, state models.State, sink graph.Writer) (result models.State, err error) {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "llm.attempt", trace.WithAttributes(tracer.StringAttr("model", model)))
	defer func() {
		n.metrics.RecordAttempt(ctx, model, time.Since(start), err)
		tracer.End(span, err)
	}()

	system, err := n.systemBlocks()
	if err != nil {
		return models.State{}, err
	}

	req := provider.MessageRequest{
		Model:       model,
		Messages:    state.Messages,
		System:      system,
		Tools:       n.tools,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
	if settings.MaxTokens != nil {
		req.MaxTokens = *settings.MaxTokens
	}
	if settings.Temperature != nil {
		req.Temperature = *settings.Temperature
	}

	stream, err := n.client.StreamMessage(ctx, req)
	if err != nil {
		return models.State{}, err
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	for stream.Next() {
		sink(stream.Text())
	}
	if err := stream.Err(); err != nil {
		return models.State{}, err
	}

	msg, err := stream.FinalMessage()
	if err != nil {
		return models.State{}, err
	}

	content, err := normalizeContent(msg.Content)
	if err != nil {
		return models.State{}, err
	}

	role := models.Role(msg.Role)
	if role == "" {
		role = models.RoleAssistant
	}
	return models.State{
		Messages:   []models.Message{{Role: role, Content: content}},
		StopReason: msg.StopReason,
	}, nil
}

func (n *LLM) systemBlocks() ([]string, error) {
	rendered, err := n.prompts.Render(SystemPromptName)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", SystemPromptName, err)
	}
	date := n.now().UTC().Format(time.DateOnly)
	return []string{
		"<current_date> " + date + " </current_date>",
		rendered,
	}, nil
}

// normalizeContent keeps text without citations and tool_use blocks as is.
func normalizeContent(blocks []provider.Block) ([]models.ContentBlock, error) {
	content := make([]models.ContentBlock, 0, len(blocks))
	for _, block := range blocks {
		switch models.BlockType(block.Type) {
		case models.BlockText:
			content = append(content, models.NewTextBlock(block.Text))
		case models.BlockToolUse:
			content = append(content, models.NewToolUseBlock(block.ID, block.Name, block.Input))
		default:
			return nil, &UnexpectedContentError{Type: block.Type}
		}
	}
	return content, nil
}
