package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"pagerelay/internal/config"
	"pagerelay/internal/profile"
	"pagerelay/internal/relay"
)

const (
	maxBodyBytes        = 4 << 20 // page text can be large
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// ProfileStore is the server's view of the persisted profile document.
type ProfileStore interface {
	relay.ProfileSource
	Lookup(key string) (profile.Profile, bool)
	Subscribe(fn func()) func()
}

// Server exposes the relay protocol over HTTP and SSE.
type Server struct {
	cfg       config.Config
	processor relay.Processor
	store     ProfileStore
	app       *echo.Echo
	address   string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, processor relay.Processor, store ProfileStore) (*Server, error) {
	if processor == nil {
		return nil, errors.New("processor must not be nil")
	}
	if store == nil {
		return nil, errors.New("profile store must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = relayErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
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
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:       cfg,
		processor: processor,
		store:     store,
		app:       e,
		address:   fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	// No write timeout: streaming responses stay open until the provider
	// finishes or the client cancels.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
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
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/profiles", s.handleProfiles)
	s.app.GET("/v1/profiles/watch", s.handleProfilesWatch)
	s.app.POST("/v1/process", s.handleProcess)
	s.app.POST("/v1/cancel", s.handleCancel)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProfiles(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"profiles": s.store.Profiles(),
	})
}

// handleProfilesWatch holds an SSE connection open and emits a
// profilesUpdated event each time the profile document is reloaded.
func (s *Server) handleProfilesWatch(c echo.Context) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}

	changes := make(chan struct{}, 1)
	unsubscribe := s.store.Subscribe(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	prepareSSE(c)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := writeSSEEvent(writer, string(relay.KindProfilesUpdated), map[string]any{}); err != nil {
				// Receiver went away; nothing to surface.
				slog.Debug("profilesUpdated delivery failed", "err", err)
				return nil
			}
			flusher.Flush()
		}
	}
}

type processPayload struct {
	ProfileID  string           `json:"profileId,omitempty"`
	Profile    *profile.Profile `json:"profile,omitempty"`
	UserPrompt string           `json:"userPrompt,omitempty"`
	Text       string           `json:"text"`
	Streaming  bool             `json:"isStreaming"`
	StreamID   string           `json:"streamId,omitempty"`
}

func (s *Server) handleProcess(c echo.Context) error {
	var payload processPayload
	if err := decodeRequestBody(c, &payload); err != nil {
		return err
	}

	prof, err := s.resolveProfile(payload)
	if err != nil {
		return err
	}

	req := relay.ProcessRequest{
		Profile:    prof,
		UserPrompt: payload.UserPrompt,
		Text:       payload.Text,
		Streaming:  payload.Streaming,
		StreamID:   payload.StreamID,
	}
	ctx := c.Request().Context()

	if !req.Streaming {
		result := s.processor.Process(ctx, req, relay.Discard)
		return c.JSON(http.StatusOK, result)
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}
	prepareSSE(c)

	// Updates are written inline from the dispatcher, preserving per-stream
	// order. A client that disconnected mid-stream makes writes fail; those
	// failures are swallowed and the context tears the upstream call down.
	sink := relay.SinkFunc(func(u relay.StreamUpdate) {
		if err := writeSSEEvent(writer, string(relay.KindStreamUpdate), u); err != nil {
			slog.Debug("stream update delivery failed", "stream_id", u.StreamID, "err", err)
			return
		}
		flusher.Flush()
	})

	result := s.processor.Process(ctx, req, sink)

	if err := writeSSEEvent(writer, "done", result); err != nil {
		slog.Debug("final result delivery failed", "stream_id", result.StreamID, "err", err)
		return nil
	}
	flusher.Flush()
	return nil
}

func (s *Server) resolveProfile(payload processPayload) (profile.Profile, error) {
	if payload.Profile != nil {
		return *payload.Profile, nil
	}
	if payload.ProfileID == "" {
		return profile.Profile{}, requestError{
			Status:  http.StatusBadRequest,
			Message: "either profile or profileId is required",
			Type:    "invalid_request_error",
		}
	}
	prof, ok := s.store.Lookup(payload.ProfileID)
	if !ok {
		return profile.Profile{}, requestError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("unknown profile %q", payload.ProfileID),
			Type:    "invalid_request_error",
		}
	}
	return prof, nil
}

func (s *Server) handleCancel(c echo.Context) error {
	var payload relay.CancelRequest
	if err := decodeRequestBody(c, &payload); err != nil {
		return err
	}
	if payload.StreamID == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "streamId is required",
			Type:    "invalid_request_error",
		}
	}

	found := s.processor.Cancel(payload.StreamID)
	return c.JSON(http.StatusOK, map[string]bool{"success": found})
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
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

var errStreamingUnsupported = requestError{
	Status:  http.StatusInternalServerError,
	Message: "server does not support streaming responses",
	Type:    "server_error",
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func relayErrorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func prepareSSE(c echo.Context) {
	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
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
	fmt.Println("pagerelay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/profiles")
	fmt.Println("  GET  /v1/profiles/watch")
	fmt.Println("  POST /v1/process")
	fmt.Println("  POST /v1/cancel")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/process -H 'Content-Type: application/json' -d '{\"profileId\":\"summarize\",\"text\":\"The quick brown fox.\",\"isStreaming\":false}'\n\n", host, port)
}
