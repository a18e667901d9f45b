package stagehost

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/auth"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/db"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/metrics"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/middleware"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

type Options struct {
	Registry        pipeline.Registry
	Async           pipeline.Dispatcher
	Signer          *auth.StageSigner // nil admits every caller
	Metrics         *metrics.Metrics
	Pool            *pgxpool.Pool
	MaxPayloadBytes int64
	StageTimeout    time.Duration
	Logger          zerolog.Logger
}

// New builds the echo server hosting the stages in opts.Registry.
func New(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(opts.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(opts.Logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": Version,
			"stages":  opts.Registry.Names(),
		})
	})
	e.GET("/health/db", db.HealthHandler(opts.Pool))
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}

	stages := e.Group("/stages", middleware.BodyLimit(opts.MaxPayloadBytes))
	if opts.Signer != nil {
		stages.Use(auth.StageTokenMiddleware(opts.Signer))
	} else {
		stages.Use(auth.DevAuthMiddleware())
	}

	registry := opts.Registry
	if opts.Metrics != nil {
		registry = make(pipeline.Registry, len(opts.Registry))
		for stage, h := range opts.Registry {
			registry[stage] = opts.Metrics.Instrument(stage, h)
		}
	}
	NewHandler(registry, opts.Async, opts.StageTimeout, opts.Logger).RegisterRoutes(stages)
	return e
}
