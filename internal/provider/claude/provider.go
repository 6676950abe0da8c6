package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"graphchat/internal/config"
	"graphchat/internal/models"
	"graphchat/internal/provider"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
	userAgent         = "graphchat/0.1"
	defaultAPIVersion = "2023-06-01"
)

// Provider implements provider.Client against the Anthropic Messages API.
type Provider struct {
	apiKey   string
	version  string
	headers  map[string]string
	client   *http.Client
	messages string
}

var _ provider.Client = (*Provider)(nil)

// New constructs a Claude provider instance.
func New(cfg config.AnthropicConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}

	version := cfg.Version
	if version == "" {
		version = defaultAPIVersion
	}

	return &Provider{
		apiKey:   cfg.APIKey,
		version:  version,
		headers:  cfg.Headers,
		client:   client,
		messages: baseURL + "/v1/messages",
	}, nil
}

// StreamMessage opens a streaming generation. The returned stream owns the
// response body until it is closed.
func (p *Provider) StreamMessage(ctx context.Context, req provider.MessageRequest) (provider.MessageStream, error) {
	payload, err := buildMessagePayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.messages, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("claude stream request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return newMessageStream(httpResp.Body), nil
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeStream)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.version)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type messagePayload struct {
	Model       string              `json:"model"`
	Messages    []models.Message    `json:"messages"`
	System      []systemBlock       `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
	Tools       []models.ToolSchema `json:"tools,omitempty"`
	Stream      bool                `json:"stream"`
}

type systemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func buildMessagePayload(req provider.MessageRequest) (messagePayload, error) {
	if strings.TrimSpace(req.Model) == "" {
		return messagePayload{}, errors.New("claude request requires a model")
	}
	if len(req.Messages) == 0 {
		return messagePayload{}, errors.New("claude request requires at least one message")
	}
	if req.Messages[0].Role != models.RoleUser {
		return messagePayload{}, errors.New("claude conversation must start with a user message")
	}
	if req.MaxTokens <= 0 {
		return messagePayload{}, errors.New("claude requests require a positive max_tokens value")
	}

	payload := messagePayload{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       req.Tools,
		Stream:      true,
	}
	for _, text := range req.System {
		payload.System = append(payload.System, systemBlock{Type: "text", Text: text})
	}
	return payload, nil
}

// APIError is an error reported by the Messages API, either as an HTTP
// status or as an "error" event inside the stream.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("claude error (%s, status %d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("claude error (%s): %s", e.Type, e.Message)
}

type apiErrorResponse struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{Status: resp.StatusCode, Type: apiErr.Error.Type, Message: apiErr.Error.Message}
	}

	return &APIError{
		Status:  resp.StatusCode,
		Type:    "http_error",
		Message: strings.TrimSpace(string(body)),
	}
}
