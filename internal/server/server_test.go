package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphchat/internal/chat"
	"graphchat/internal/config"
	"graphchat/internal/node"
	"graphchat/internal/provider"
)

type fakeChat struct {
	reply  string
	tokens []string
	err    error
	got    []chat.Request
}

func (f *fakeChat) Complete(_ context.Context, req chat.Request) (string, error) {
	f.got = append(f.got, req)
	return f.reply, f.err
}

func (f *fakeChat) Stream(_ context.Context, req chat.Request, emit func(string)) error {
	f.got = append(f.got, req)
	for _, token := range f.tokens {
		emit(token)
	}
	return f.err
}

const (
	userID   = "0b6f7a2e-4d1c-4a8e-9f3b-2c5d6e7f8a9b"
	threadID = "5e1f2a3b-6c7d-4e8f-a0b1-c2d3e4f5a6b7"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Anthropic.APIKey = "test-key"
	return cfg
}

func newTestServer(t *testing.T, svc *fakeChat) *Server {
	t.Helper()
	srv, err := New(testConfig(), svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.app.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	assert.Error(t, err)

	_, err = New(config.Default(), &fakeChat{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	rec := do(newTestServer(t, &fakeChat{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCompletion_Success(t *testing.T) {
	svc := &fakeChat{reply: "hi there"}
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodPost, "/completion/"+userID+"/"+threadID, `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"content":"hi there"}`, rec.Body.String())

	require.Len(t, svc.got, 1)
	req := svc.got[0]
	assert.Equal(t, userID, req.UserID)
	assert.Equal(t, threadID, req.ThreadID)
	assert.Equal(t, "hello", req.Content)
	assert.Equal(t, "claude-sonnet-4-0", req.Settings.PrimaryModel)
	assert.Equal(t, "claude-3-7-sonnet-latest", req.Settings.SecondaryModel)
	require.NotNil(t, req.Settings.MaxTokens)
	assert.Equal(t, 8192, *req.Settings.MaxTokens)
	require.NotNil(t, req.Settings.Temperature)
	assert.Equal(t, 0.5, *req.Settings.Temperature)
}

func TestCompletion_ModelSettingsOverrideDefaults(t *testing.T) {
	svc := &fakeChat{reply: "ok"}
	srv := newTestServer(t, svc)

	body := `{"content":"hello","chat_model_settings":{"primary_model":"p","max_tokens":64,"temperature":0}}`
	rec := do(srv, http.MethodPost, "/completion/"+userID+"/"+threadID, body)
	require.Equal(t, http.StatusOK, rec.Code)

	settings := svc.got[0].Settings
	assert.Equal(t, "p", settings.PrimaryModel)
	assert.Equal(t, "claude-3-7-sonnet-latest", settings.SecondaryModel)
	assert.Equal(t, 64, *settings.MaxTokens)
	assert.Equal(t, 0.0, *settings.Temperature)
}

func TestCompletion_RequestValidation(t *testing.T) {
	v1 := uuid.NewMD5(uuid.NameSpaceURL, []byte("x")).String()

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		detail string
	}{
		{"same ids", "/completion/" + userID + "/" + userID, `{"content":"hi"}`, http.StatusBadRequest, "`user_id` cannot be the same as `thread_id`"},
		{"bad user id", "/completion/nope/" + threadID, `{"content":"hi"}`, http.StatusUnprocessableEntity, "`user_id` must be a UUID version 4"},
		{"non v4 thread id", "/completion/" + userID + "/" + v1, `{"content":"hi"}`, http.StatusUnprocessableEntity, "`thread_id` must be a UUID version 4"},
		{"missing body", "/completion/" + userID + "/" + threadID, "", http.StatusBadRequest, "request body is required"},
		{"malformed body", "/completion/" + userID + "/" + threadID, `{"content":`, http.StatusBadRequest, "invalid JSON payload"},
		{"two objects", "/completion/" + userID + "/" + threadID, `{"content":"a"}{"content":"b"}`, http.StatusBadRequest, "single JSON object"},
		{"empty content", "/completion/" + userID + "/" + threadID, `{"content":"  "}`, http.StatusBadRequest, "`content` must not be empty"},
		{"missing content", "/completion/" + userID + "/" + threadID, `{}`, http.StatusBadRequest, "`content` must not be empty"},
		{"bad max tokens", "/completion/" + userID + "/" + threadID, `{"content":"a","chat_model_settings":{"max_tokens":0}}`, http.StatusUnprocessableEntity, "max_tokens"},
		{"bad temperature", "/completion/" + userID + "/" + threadID, `{"content":"a","chat_model_settings":{"temperature":1.5}}`, http.StatusUnprocessableEntity, "temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeChat{}
			rec := do(newTestServer(t, svc), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, detail(t, rec), tt.detail)
			assert.Empty(t, svc.got)
		})
	}
}

func TestCompletion_ErrorMapping(t *testing.T) {
	fallback := &node.FallbackError{
		Primary:   &node.ProviderCallError{Model: "a", Err: errors.New("overloaded")},
		Secondary: &node.ProviderCallError{Model: "b", Err: errors.New("timeout")},
	}

	tests := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"configuration", &node.ConfigurationError{Node: "llm", Key: "primary_model"}, http.StatusUnprocessableEntity, "'primary_model' is required in the configuration for node 'llm'"},
		{"fallback", fallback, http.StatusBadGateway, "both models failed - primary (a): overloaded, fallback (b): timeout"},
		{"circuit open", provider.ErrCircuitOpen, http.StatusBadGateway, "upstream model error"},
		{"no reply", chat.ErrNoReply, http.StatusBadGateway, "upstream model error"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "request timed out"},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeChat{err: errors.Join(errors.New("thread x"), tt.err)}
			rec := do(newTestServer(t, svc), http.MethodPost, "/completion/"+userID+"/"+threadID, `{"content":"hi"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.detail, detail(t, rec))
		})
	}
}

func TestStream_Framing(t *testing.T) {
	svc := &fakeChat{tokens: []string{"Hel", "lo"}}
	rec := do(newTestServer(t, svc), http.MethodPost, "/stream/"+userID+"/"+threadID, `{"content":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)

	want := "event: text-chunk\ndata: {\"token\":\"Hel\"}\n\n" +
		"event: text-chunk\ndata: {\"token\":\"lo\"}\n\n" +
		"event: stream-end\ndata: {\"status\":\"success\"}\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestStream_NoTokens(t *testing.T) {
	rec := do(newTestServer(t, &fakeChat{}), http.MethodPost, "/stream/"+userID+"/"+threadID, `{"content":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "event: stream-end\ndata: {\"status\":\"success\"}\n\n", rec.Body.String())
}

func TestStream_FailureBeforeFirstToken(t *testing.T) {
	svc := &fakeChat{err: &node.ConfigurationError{Node: "llm"}}
	rec := do(newTestServer(t, svc), http.MethodPost, "/stream/"+userID+"/"+threadID, `{"content":"hi"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "configuration for node 'llm' is missing", detail(t, rec))
}

func TestStream_FailureAfterFirstToken(t *testing.T) {
	svc := &fakeChat{tokens: []string{"par"}, err: errors.New("boom")}
	rec := do(newTestServer(t, svc), http.MethodPost, "/stream/"+userID+"/"+threadID, `{"content":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	want := "event: text-chunk\ndata: {\"token\":\"par\"}\n\n" +
		"event: error\ndata: {\"detail\":\"internal server error\"}\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestNotFoundUsesDetailBody(t *testing.T) {
	rec := do(newTestServer(t, &fakeChat{}), http.MethodGet, "/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, detail(t, rec))
}

func TestWriteSSEEvent(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeSSEEvent(&sb, "text-chunk", map[string]string{"token": "a\nb"}))
	assert.Equal(t, "event: text-chunk\ndata: {\"token\":\"a\\nb\"}\n\n", sb.String())
}
