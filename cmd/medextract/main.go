package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/db"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/dispatch"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/stagehost"
	"github.com/JeevaByte/MedExtract-Pipeline/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medextract",
		Short:        "Clinical email extraction pipeline",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(runLocalCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host pipeline stages over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, _ := cmd.Flags().GetStringSlice("stage")
			return runServer(names)
		},
	}
	cmd.Flags().StringSlice("stage", nil, "Stages to host: "+strings.Join(allStages(), ", ")+" (default all)")
	return cmd
}

func runServer(stageNames []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		newLogger(nil).Fatal().Err(err).Msg("failed to load config")
	}
	defer a.close()
	logger := a.logger

	stages, err := parseStages(stageNames)
	if err != nil {
		return err
	}
	next, queue, err := a.dispatcher()
	if err != nil {
		return err
	}
	registry, err := a.registry(ctx, next, stages)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build stages")
	}

	// Asynchronous invocations run in-process; the configured backend only
	// carries next-stage dispatches.
	if queue == nil {
		queue = a.localQueue()
	}
	if err := queue.Start(ctx, registry); err != nil {
		return err
	}

	e := stagehost.New(stagehost.Options{
		Registry:        registry,
		Async:           queue,
		Signer:          a.signer,
		Metrics:         a.metrics,
		Pool:            a.pool,
		MaxPayloadBytes: int64(a.cfg.MaxPayloadBytes),
		StageTimeout:    a.cfg.StageTimeout,
		Logger:          logger,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Strs("stages", registry.Names()).Msg("starting stage host")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down stage host")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if err := queue.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("in-flight invocations abandoned")
	}
	logger.Info().Msg("stage host stopped")
	return nil
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume stage invocations from SQS or Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, _ := cmd.Flags().GetStringSlice("stage")
			return runWorker(names)
		},
	}
	cmd.Flags().StringSlice("stage", nil, "Stages to consume: "+strings.Join(allStages(), ", ")+" (default all)")
	return cmd
}

func runWorker(stageNames []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		newLogger(nil).Fatal().Err(err).Msg("failed to load config")
	}
	defer a.close()
	logger := a.logger

	if a.cfg.DispatchBackend != "sqs" && a.cfg.DispatchBackend != "kafka" {
		return fmt.Errorf("worker requires DISPATCH_BACKEND sqs or kafka, got %q", a.cfg.DispatchBackend)
	}
	stages, err := parseStages(stageNames)
	if err != nil {
		return err
	}
	next, _, err := a.dispatcher()
	if err != nil {
		return err
	}
	registry, err := a.registry(ctx, next, stages)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build stages")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range stages {
		h := registry[stage]
		switch a.cfg.DispatchBackend {
		case "sqs":
			c := dispatch.NewSQSConsumer(a.aws.SQS, a.cfg.SQSQueuePrefix, stage, h, logger).
				WithStageTimeout(a.cfg.StageTimeout).
				WithObserver(a.metrics.ObserveStage)
			g.Go(func() error { return c.Run(gctx) })
		case "kafka":
			r := dispatch.NewKafkaReader(a.cfg.KafkaBrokers, a.cfg.KafkaTopicPrefix, a.cfg.KafkaGroupID, stage)
			c := dispatch.NewKafkaConsumer(r, stage, h, logger).
				WithStageTimeout(a.cfg.StageTimeout).
				WithMaxAttempts(a.cfg.DispatchMaxAttempt).
				WithObserver(a.metrics.ObserveStage)
			g.Go(func() error { return c.Run(gctx) })
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	e.GET("/health/db", db.HealthHandler(a.pool))
	g.Go(func() error {
		if err := e.Start(":" + a.cfg.Port); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	logger.Info().Str("backend", a.cfg.DispatchBackend).Strs("stages", registry.Names()).Msg("worker started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				mig, err := m.Down(ctx)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				if mig == nil {
					fmt.Println("No applied migrations.")
					return nil
				}
				fmt.Printf("Reverted %s.\n", mig.Name)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	pool, err := a.database(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

// allStages lists stage names for flag help.
func allStages() []string {
	names := make([]string, len(pipeline.Stages))
	for i, s := range pipeline.Stages {
		names[i] = string(s)
	}
	return names
}
