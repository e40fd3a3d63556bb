package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/luisdh8/ollama-ecomerce/internal/client"
	"github.com/luisdh8/ollama-ecomerce/internal/config"
	"github.com/luisdh8/ollama-ecomerce/internal/router"
	"github.com/luisdh8/ollama-ecomerce/internal/tokens"
	"github.com/luisdh8/ollama-ecomerce/internal/translator"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB, CSV payloads are inlined in prompts
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// HealthChecker reports whether the backend is reachable.
type HealthChecker interface {
	Available(ctx context.Context) error
}

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Backend   HealthChecker
	Client    *client.Client
	Router    *router.Router
	Estimator *tokens.Estimator
	Logger    *slog.Logger
}

type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *slog.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Backend == nil || deps.Client == nil || deps.Router == nil || deps.Estimator == nil {
		return nil, errors.New("server: backend, client, router and estimator are required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

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
		deps:    deps,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg)
	s.logger.Info("starting server", "addr", s.address, "backend", s.cfg.Backend.BaseURL)

	// Room for a probe plus both completion attempts.
	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: 2*s.cfg.Backend.Timeout + s.cfg.Backend.ProbeTimeout + readTimeout,
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
	s.app.POST("/v1/complete", s.handleComplete)
	s.app.POST("/v1/tokens", s.handleTokens)
	s.app.POST("/v1/route", s.handleRoute)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.deps.Backend.Available(c.Request().Context()); err != nil {
		s.logger.Warn("backend health check failed", "error", err)
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "backend unavailable",
			Type:    "backend_unavailable",
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleComplete(c echo.Context) error {
	var req translator.CompleteRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	call := req.ToCall()

	if req.Route && call.Model == "" {
		planned := req.MaxTokens
		if planned == 0 {
			planned = s.cfg.PlannedOutput
		}
		plan := s.deps.Router.Plan(ctx, call.Messages, planned)
		call.Model = plan.Model
	}

	resp, err := s.deps.Client.Complete(ctx, call)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromResponse(resp))
}

func (s *Server) handleTokens(c echo.Context) error {
	var req translator.TokensRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	model := req.Model
	if model == "" {
		model = s.deps.Router.Catalog().Primary().ID
	}

	est := s.deps.Estimator.Estimate(c.Request().Context(), req.Text, model)
	return c.JSON(http.StatusOK, translator.FromEstimate(est))
}

func (s *Server) handleRoute(c echo.Context) error {
	var req translator.RouteRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	output := s.cfg.PlannedOutput
	if req.OutputTokens != nil {
		output = *req.OutputTokens
	}

	plan := s.deps.Router.Plan(c.Request().Context(), req.Messages, output)
	return c.JSON(http.StatusOK, translator.FromPlan(plan))
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

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, client.ErrBackendUnavailable):
		return requestError{
			Status:  http.StatusBadGateway,
			Message: err.Error(),
			Type:    "upstream_error",
			Code:    "backend_unavailable",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "request timed out",
			Type:    "upstream_error",
		}
	case errors.Is(err, context.Canceled):
		return requestError{
			Status:  499,
			Message: "request cancelled",
			Type:    "client_closed_request",
		}
	}

	return requestError{
		Status:  http.StatusBadRequest,
		Message: err.Error(),
		Type:    "invalid_request_error",
	}
}

func printStartupBanner(cfg config.Config) {
	host := "127.0.0.1"
	port := cfg.Server.Port
	fmt.Println()
	fmt.Println("ollama-ecomerce ready")
	fmt.Printf("Listening on http://%s:%d (backend %s, default model %s)\n", host, port, cfg.Backend.BaseURL, cfg.Backend.DefaultModel)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /v1/complete")
	fmt.Println("  POST /v1/tokens")
	fmt.Println("  POST /v1/route")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/complete -H 'Content-Type: application/json' -d '{\"system\":\"classify\",\"prompt\":\"widget\"}'\n\n", host, port)
}
