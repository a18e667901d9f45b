// Package stagehost exposes pipeline stages over HTTP.
package stagehost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/dispatch"
)

// Handler serves synchronous and asynchronous stage invocations.
type Handler struct {
	registry pipeline.Registry
	async    pipeline.Dispatcher
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewHandler serves the stages in registry. async receives invocations
// posted to the asynchronous route; it may be nil, in which case that route
// is not registered.
func NewHandler(registry pipeline.Registry, async pipeline.Dispatcher, timeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, async: async, timeout: timeout, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/:stage", h.Invoke)
	if h.async != nil {
		g.POST("/:stage/async", h.Enqueue)
	}
}

// AcceptedResponse is returned for asynchronous invocations.
type AcceptedResponse struct {
	Stage     string `json:"stage"`
	MessageID string `json:"message_id"`
}

// Invoke runs the stage in the request and returns its status.
func (h *Handler) Invoke(c echo.Context) error {
	stage, handler, err := h.lookup(c)
	if err != nil {
		return err
	}
	body, err := readPayload(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	status, err := handler.Handle(ctx, body)
	if err != nil {
		h.logger.Error().Err(err).Str("stage", string(stage)).Msg("stage invocation failed")
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// Enqueue hands the payload to the asynchronous dispatcher and returns 202.
func (h *Handler) Enqueue(c echo.Context) error {
	stage, _, err := h.lookup(c)
	if err != nil {
		return err
	}
	body, err := readPayload(c)
	if err != nil {
		return err
	}

	if err := h.async.Dispatch(c.Request().Context(), stage, body); err != nil {
		return httpError(err)
	}

	var ids struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(body, &ids)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Stage: string(stage), MessageID: ids.MessageID})
}

func (h *Handler) lookup(c echo.Context) (pipeline.Stage, pipeline.Handler, error) {
	stage := pipeline.Stage(c.Param("stage"))
	handler, ok := h.registry[stage]
	if !ok {
		return "", nil, echo.NewHTTPError(http.StatusNotFound, "unknown stage "+string(stage))
	}
	return stage, handler, nil
}

func readPayload(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if !json.Valid(body) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is not valid JSON")
	}
	return body, nil
}

// httpError maps pipeline and dispatch errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrInvalidPayload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrPayloadTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, dispatch.ErrUnknownStage):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrQueueClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
