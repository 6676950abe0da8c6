package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"graphchat/internal/chat"
	"graphchat/internal/config"
	"graphchat/internal/models"
	"graphchat/internal/node"
	"graphchat/internal/provider"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second
)

// ChatService runs user turns through the chat graph.
type ChatService interface {
	Complete(ctx context.Context, req chat.Request) (string, error)
	Stream(ctx context.Context, req chat.Request, emit func(string)) error
}

type Server struct {
	cfg     config.Config
	chat    ChatService
	logger  *slog.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, svc ChatService, logger *slog.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("chat service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = detailErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		chat:    svc,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info("starting server", "addr", s.address, "environment", s.cfg.Environment)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/completion/:user_id/:thread_id", s.handleCompletion)
	s.app.POST("/stream/:user_id/:thread_id", s.handleStream)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCompletion(c echo.Context) error {
	req, err := s.chatRequest(c)
	if err != nil {
		return err
	}

	// A full graph run may outlast the server-wide write timeout.
	s.clearWriteDeadline(c)

	text, err := s.chat.Complete(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"content": text})
}

func (s *Server) handleStream(c echo.Context) error {
	req, err := s.chatRequest(c)
	if err != nil {
		return err
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		s.logger.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
		}
	}
	s.clearWriteDeadline(c)

	sw := &sseWriter{c: c, w: writer, flusher: flusher, logger: s.logger}
	runErr := s.chat.Stream(c.Request().Context(), req, func(token string) {
		sw.event("text-chunk", map[string]string{"token": token})
	})

	if runErr != nil {
		if !sw.started {
			return toHTTPError(runErr)
		}
		s.logger.Error("stream failed after first token", "thread_id", req.ThreadID, "error", runErr)
		sw.event("error", errorBody{Detail: toHTTPError(runErr).Message})
		return nil
	}

	sw.event("stream-end", map[string]string{"status": "success"})
	return nil
}

// sseWriter commits the event-stream headers on the first event so that
// failures before any token still get a regular JSON error response.
type sseWriter struct {
	c       echo.Context
	w       io.Writer
	flusher http.Flusher
	logger  *slog.Logger
	started bool
	err     error
}

func (sw *sseWriter) event(name string, payload any) {
	if sw.err != nil {
		return
	}
	if !sw.started {
		header := sw.c.Response().Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		sw.c.Response().WriteHeader(http.StatusOK)
		sw.started = true
	}
	if err := writeSSEEvent(sw.w, name, payload); err != nil {
		sw.logger.Error("failed to write SSE event", "event", name, "err", err)
		sw.err = err
		return
	}
	sw.flusher.Flush()
}

type chatRequestBody struct {
	Content           *string        `json:"content"`
	ChatModelSettings *modelSettings `json:"chat_model_settings"`
}

type modelSettings struct {
	PrimaryModel   string   `json:"primary_model"`
	SecondaryModel string   `json:"secondary_model"`
	MaxTokens      *int     `json:"max_tokens"`
	Temperature    *float64 `json:"temperature"`
}

func (s *Server) chatRequest(c echo.Context) (chat.Request, error) {
	userID, err := uuid4Param(c, "user_id")
	if err != nil {
		return chat.Request{}, err
	}
	threadID, err := uuid4Param(c, "thread_id")
	if err != nil {
		return chat.Request{}, err
	}
	if userID == threadID {
		return chat.Request{}, requestError{
			Status:  http.StatusBadRequest,
			Message: "`user_id` cannot be the same as `thread_id`",
		}
	}

	var body chatRequestBody
	if err := decodeRequestBody(c, &body); err != nil {
		return chat.Request{}, err
	}
	if body.Content == nil || strings.TrimSpace(*body.Content) == "" {
		return chat.Request{}, requestError{
			Status:  http.StatusBadRequest,
			Message: "`content` must not be empty",
		}
	}

	settings, err := s.nodeSettings(body.ChatModelSettings)
	if err != nil {
		return chat.Request{}, err
	}

	return chat.Request{
		UserID:   userID.String(),
		ThreadID: threadID.String(),
		Content:  *body.Content,
		Settings: settings,
	}, nil
}

// nodeSettings fills fields the client left unset from the chat defaults.
func (s *Server) nodeSettings(in *modelSettings) (models.NodeSettings, error) {
	defaults := s.cfg.Chat
	maxTokens := defaults.MaxTokens
	temperature := defaults.Temperature
	out := models.NodeSettings{
		PrimaryModel:   defaults.PrimaryModel,
		SecondaryModel: defaults.SecondaryModel,
		MaxTokens:      &maxTokens,
		Temperature:    &temperature,
	}
	if in == nil {
		return out, nil
	}

	if v := strings.TrimSpace(in.PrimaryModel); v != "" {
		out.PrimaryModel = v
	}
	if v := strings.TrimSpace(in.SecondaryModel); v != "" {
		out.SecondaryModel = v
	}
	if in.MaxTokens != nil {
		if *in.MaxTokens <= 0 {
			return models.NodeSettings{}, requestError{
				Status:  http.StatusUnprocessableEntity,
				Message: fmt.Sprintf("`chat_model_settings.max_tokens` must be positive, got %d", *in.MaxTokens),
			}
		}
		maxTokens = *in.MaxTokens
	}
	if in.Temperature != nil {
		if *in.Temperature < 0 || *in.Temperature > 1 {
			return models.NodeSettings{}, requestError{
				Status:  http.StatusUnprocessableEntity,
				Message: fmt.Sprintf("`chat_model_settings.temperature` must be within [0, 1], got %v", *in.Temperature),
			}
		}
		temperature = *in.Temperature
	}
	return out, nil
}

func uuid4Param(c echo.Context, name string) (uuid.UUID, error) {
	raw := c.Param(name)
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 4 {
		return uuid.Nil, requestError{
			Status:  http.StatusUnprocessableEntity,
			Message: fmt.Sprintf("`%s` must be a UUID version 4, got %q", name, raw),
		}
	}
	return id, nil
}

func (s *Server) clearWriteDeadline(c echo.Context) {
	rc := http.NewResponseController(c.Response().Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline", "error", err)
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Detail string `json:"detail"`
}

func detailErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorBody{Detail: reqErr.Message})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorBody{Detail: fmt.Sprint(he.Message)})
		return
	}

	_ = c.JSON(http.StatusInternalServerError, errorBody{Detail: "internal server error"})
}

func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var cfgErr *node.ConfigurationError
	if errors.As(err, &cfgErr) {
		return requestError{Status: http.StatusUnprocessableEntity, Message: cfgErr.Error()}
	}

	var fallbackErr *node.FallbackError
	if errors.As(err, &fallbackErr) {
		return requestError{Status: http.StatusBadGateway, Message: fallbackErr.Error()}
	}
	var callErr *node.ProviderCallError
	if errors.As(err, &callErr) {
		return requestError{Status: http.StatusBadGateway, Message: callErr.Error()}
	}
	if errors.Is(err, provider.ErrCircuitOpen) || errors.Is(err, chat.ErrNoReply) {
		return requestError{Status: http.StatusBadGateway, Message: "upstream model error"}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return requestError{Status: http.StatusGatewayTimeout, Message: "request timed out"}
	}

	return requestError{Status: http.StatusInternalServerError, Message: "internal server error"}
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("graphchat ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /completion/{user_id}/{thread_id}")
	fmt.Println("  POST /stream/{user_id}/{thread_id}")
	fmt.Printf("Example:\n  curl http://%s:%d/stream/$(uuidgen)/$(uuidgen) -H 'Content-Type: application/json' -d '{\"content\":\"hello\"}'\n\n", host, port)
}
