// Package httpapi exposes the engine over HTTP: provider webhooks, workflow
// start/status/cancel, standalone generations and an SSE progress stream.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/genchain/internal/diagram"
	"github.com/rendis/genchain/internal/lifecycle"
	"github.com/rendis/genchain/internal/orchestrator"
	"github.com/rendis/genchain/internal/provider"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/internal/streaming"
	"github.com/rendis/genchain/internal/webhook"
	"github.com/rendis/genchain/pkg/schema"
)

// UserHeader carries the authenticated user id set by the fronting gateway.
const UserHeader = "X-User-ID"

// maxWebhookBody caps callback bodies at 4 MiB.
const maxWebhookBody = 4 << 20

// Executions runs workflows.
type Executions interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*orchestrator.ExecutionStatus, error)
	Cancel(ctx context.Context, executionID, reason string) (*store.Execution, error)
}

// Generations creates standalone generations.
type Generations interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*store.Generation, error)
}

// Records reads templates, generations and the event log.
type Records interface {
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	GetGeneration(ctx context.Context, id string) (*store.Generation, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	GetEvents(ctx context.Context, subjectID string, since int64) ([]*store.Event, error)
}

// Webhooks applies provider callbacks.
type Webhooks interface {
	Handle(ctx context.Context, d webhook.Delivery) (*webhook.Receipt, error)
}

// Deps are the collaborators behind the routes. Hub may be nil, in which
// case the event stream only replays the stored log.
type Deps struct {
	Executions  Executions
	Generations Generations
	Records     Records
	Webhooks    Webhooks
	Hub         streaming.EventHub
}

// Server holds the dependencies for the API server.
type Server struct {
	deps        Deps
	logger      *slog.Logger
	serviceName string
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithServiceName sets the name reported on request spans.
func WithServiceName(name string) Option { return func(s *Server) { s.serviceName = name } }

// NewServer creates a new Server.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, logger: slog.Default(), serviceName: "genchain"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the echo router.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(s.serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.health)

	// Webhooks authenticate by signature; every other route acts for the
	// user named in X-User-ID.
	v1 := e.Group("/v1")
	v1.POST("/webhooks/:provider", s.receiveWebhook)
	v1.POST("/templates/:id/executions", s.startExecution, requireUser)
	v1.GET("/executions/:id", s.getExecution, requireUser)
	v1.POST("/executions/:id/cancel", s.cancelExecution, requireUser)
	v1.GET("/executions/:id/events", s.streamEvents, requireUser)
	v1.GET("/executions/:id/diagram", s.executionDiagram, requireUser)
	v1.POST("/generations", s.createGeneration, requireUser)
	v1.GET("/generations/:id", s.getGeneration, requireUser)
	return e
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// receiveWebhook applies a provider callback
// (POST /v1/webhooks/:provider?generation_id=...)
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	receipt, err := s.deps.Webhooks.Handle(c.Request().Context(), webhook.Delivery{
		Provider:     c.Param("provider"),
		GenerationID: c.QueryParam("generation_id"),
		Signature:    c.Request().Header.Get(webhook.SignatureHeader),
		Body:         body,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, receipt)
}

type startRequest struct {
	Input schema.Params `json:"input"`
}

// executionResponse pairs an execution with the error that stopped it, when
// step 1 could not be dispatched.
type executionResponse struct {
	Execution *store.Execution      `json:"execution"`
	Error     *schema.GenchainError `json:"error,omitempty"`
}

// startExecution starts a workflow run
// (POST /v1/templates/:id/executions)
func (s *Server) startExecution(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	exec, err := s.deps.Executions.Start(c.Request().Context(), orchestrator.StartRequest{
		TemplateID: c.Param("id"),
		UserID:     caller(c),
		Input:      req.Input,
	})
	if err != nil && exec == nil {
		return err
	}
	if err != nil {
		ge := asGenchain(err)
		return c.JSON(statusFor(ge), executionResponse{Execution: exec, Error: ge})
	}
	return c.JSON(http.StatusCreated, executionResponse{Execution: exec})
}

// getExecution returns the execution with its generations and events
// (GET /v1/executions/:id)
func (s *Server) getExecution(c echo.Context) error {
	status, err := s.deps.Executions.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if err := owned(c, "execution", status.Execution.ID, status.Execution.UserID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// executionDiagram draws the template chain with the execution's progress
// (GET /v1/executions/:id/diagram?format=mermaid|ascii|png)
func (s *Server) executionDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	status, err := s.deps.Executions.Status(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if err := owned(c, "execution", status.Execution.ID, status.Execution.UserID); err != nil {
		return err
	}
	tpl, err := s.deps.Records.GetTemplate(ctx, status.Execution.TemplateID)
	if err != nil {
		return err
	}
	model, err := diagram.Build(tpl, status.Execution, status.Generations)
	if err != nil {
		return err
	}
	body, contentType, err := diagram.Render(ctx, model, c.QueryParam("format"))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, contentType, body)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelExecution fails a running execution
// (POST /v1/executions/:id/cancel)
func (s *Server) cancelExecution(c echo.Context) error {
	ctx := c.Request().Context()
	current, err := s.deps.Records.GetExecution(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if err := owned(c, "execution", current.ID, current.UserID); err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}
	exec, err := s.deps.Executions.Cancel(ctx, current.ID, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, executionResponse{Execution: exec})
}

type generationRequest struct {
	ModelRecordID string        `json:"model_record_id"`
	Prompt        string        `json:"prompt"`
	Params        schema.Params `json:"params"`
}

type generationResponse struct {
	Generation *store.Generation     `json:"generation"`
	Error      *schema.GenchainError `json:"error,omitempty"`
}

// createGeneration starts a standalone generation
// (POST /v1/generations)
func (s *Server) createGeneration(c echo.Context) error {
	var req generationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.ModelRecordID == "" {
		return schema.NewError(schema.ErrCodeValidation, "model_record_id is required")
	}
	gen, err := s.deps.Generations.Create(c.Request().Context(), lifecycle.CreateRequest{
		UserID:        caller(c),
		ModelRecordID: req.ModelRecordID,
		Prompt:        req.Prompt,
		Params:        req.Params,
		Correlation:   provider.Correlation{},
	})
	if err != nil && gen == nil {
		return err
	}
	if err != nil {
		ge := asGenchain(err)
		return c.JSON(statusFor(ge), generationResponse{Generation: gen, Error: ge})
	}
	return c.JSON(http.StatusAccepted, generationResponse{Generation: gen})
}

// getGeneration returns one generation
// (GET /v1/generations/:id)
func (s *Server) getGeneration(c echo.Context) error {
	gen, err := s.deps.Records.GetGeneration(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if err := owned(c, "generation", gen.ID, gen.UserID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, generationResponse{Generation: gen})
}

const userKey = "genchain.user"

// requireUser rejects requests without X-User-ID and stores the caller on
// the context for the handler.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(UserHeader)
		if userID == "" {
			return schema.NewErrorf(schema.ErrCodeUnauthorized, "missing %s header", UserHeader)
		}
		c.Set(userKey, userID)
		return next(c)
	}
}

func caller(c echo.Context) string {
	userID, _ := c.Get(userKey).(string)
	return userID
}

// owned reports a record that belongs to another user as NOT_FOUND.
func owned(c echo.Context, kind, id, owner string) error {
	if owner != caller(c) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}
