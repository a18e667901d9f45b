package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/config"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/domain/extract"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/domain/ingest"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/domain/load"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/domain/mapping"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/domain/ontology"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/domain/parse"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/auth"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/awsclient"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/db"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/dispatch"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/metrics"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/nlp"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/ocr"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/secrets"
)

// app holds the clients shared by every command. Nothing is opened until a
// command asks for it.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	aws     *awsclient.Clients
	store   artifact.Store
	metrics *metrics.Metrics
	signer  *auth.StageSigner
	pool    *pgxpool.Pool
	closers []func()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg == nil || cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: newLogger(cfg), metrics: metrics.New()}

	a.aws, err = awsclient.Load(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		return nil, err
	}

	switch cfg.ArtifactBackend {
	case "memory":
		a.store = artifact.NewMemoryStore()
	default:
		a.store = artifact.NewS3Store(a.aws.S3, cfg.ArtifactBucket)
	}

	if cfg.StageAuthSecret != "" {
		a.signer = auth.NewStageSigner([]byte(cfg.StageAuthSecret))
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// database opens the pool on first use. The password is resolved from
// Secrets Manager, or DB_PASSWORD, for each new connection.
func (a *app) database(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	var sm secrets.SecretsManagerAPI
	if a.cfg.DBSecret != "" {
		sm = a.aws.SecretsManager
	}
	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, db.PoolOptions{
		MaxConns: a.cfg.DBMaxConns,
		MinConns: a.cfg.DBMinConns,
		Password: secrets.NewPasswordResolver(sm, a.cfg.DBSecret),
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	a.logger.Info().Msg("connected to database")
	return pool, nil
}

// dispatcher builds the configured transport for next-stage invocations.
// The local backend returns an unstarted queue; callers start it with the
// registry built on top of it.
func (a *app) dispatcher() (pipeline.Dispatcher, *dispatch.LocalQueue, error) {
	var d pipeline.Dispatcher
	var queue *dispatch.LocalQueue

	switch a.cfg.DispatchBackend {
	case "local":
		queue = a.localQueue()
		d = queue
	case "sqs":
		d = dispatch.NewSQSDispatcher(a.aws.SQS, a.cfg.SQSQueuePrefix).WithMaxPayloadBytes(a.cfg.MaxPayloadBytes)
	case "kafka":
		w := dispatch.NewKafkaWriter(a.cfg.KafkaBrokers)
		kd := dispatch.NewKafkaDispatcher(w, a.cfg.KafkaTopicPrefix).WithMaxPayloadBytes(a.cfg.MaxPayloadBytes)
		a.closers = append(a.closers, func() { _ = kd.Close() })
		d = kd
	case "http":
		opts := []dispatch.HTTPOption{
			dispatch.WithHTTPRetries(a.cfg.DispatchMaxAttempt, 200*time.Millisecond),
			dispatch.WithHTTPMaxPayloadBytes(a.cfg.MaxPayloadBytes),
		}
		var signer dispatch.TokenSigner
		if a.signer != nil {
			signer = a.signer
		}
		d = dispatch.NewHTTPDispatcher(a.cfg.StageBaseURL, signer, opts...)
	default:
		return nil, nil, fmt.Errorf("unsupported dispatch backend %q", a.cfg.DispatchBackend)
	}
	return a.metrics.CountDispatches(d, a.cfg.DispatchBackend), queue, nil
}

func (a *app) localQueue() *dispatch.LocalQueue {
	q := dispatch.NewLocalQueue(a.logger,
		dispatch.WithMaxAttempts(a.cfg.DispatchMaxAttempt),
		dispatch.WithMaxPayloadBytes(a.cfg.MaxPayloadBytes),
		dispatch.WithStageTimeout(a.cfg.StageTimeout),
		dispatch.WithObserver(a.metrics.ObserveStage),
	)
	a.closers = append(a.closers, q.Stop)
	return q
}

func (a *app) ontology(ctx context.Context) (ontology.Lookup, error) {
	var lookup ontology.Lookup
	switch a.cfg.OntologyBackend {
	case "postgres":
		pool, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		lookup = ontology.NewPGLookup(pool)
	case "memory":
		lookup = ontology.NewMemoryLookup()
	default:
		lookup = ontology.NewDynamoDBLookup(a.aws.DynamoDB, a.cfg.OntologyTable)
	}

	if a.cfg.RedisURL == "" {
		return lookup, nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return ontology.NewCachedLookup(lookup, rdb, a.cfg.OntologyCacheTTL, a.logger), nil
}

// registry builds the handlers for stages, each dispatching onward through
// next. Only the load stage and the Postgres ontology open the database.
func (a *app) registry(ctx context.Context, next pipeline.Dispatcher, stages []pipeline.Stage) (pipeline.Registry, error) {
	reg := make(pipeline.Registry, len(stages))
	for _, stage := range stages {
		switch stage {
		case pipeline.StageIngest:
			reg[stage] = ingest.NewService(a.store, next, a.logger)
		case pipeline.StageParse:
			reg[stage] = parse.NewService(a.store, ocr.NewTextract(a.aws.Textract), next, a.logger).
				WithSampleChars(a.cfg.TextSampleChars)
		case pipeline.StageExtract:
			reg[stage] = extract.NewService(a.store, nlp.NewComprehendMedical(a.aws.Comprehend), next, a.logger).
				WithLimits(a.cfg.ExtractMaxChars, a.cfg.TextSampleChars, a.cfg.MaxPayloadBytes)
		case pipeline.StageMap:
			lookup, err := a.ontology(ctx)
			if err != nil {
				return nil, err
			}
			reg[stage] = mapping.NewService(a.store, lookup, next, a.logger).WithMaxPayloadBytes(a.cfg.MaxPayloadBytes)
		case pipeline.StageLoad:
			pool, err := a.database(ctx)
			if err != nil {
				return nil, err
			}
			reg[stage] = load.NewService(load.NewRepoPG(pool), db.NewTransactor(pool), a.store, a.logger)
		}
	}
	return reg, nil
}

// parseStages resolves stage names; an empty list selects every stage.
func parseStages(names []string) ([]pipeline.Stage, error) {
	if len(names) == 0 {
		return pipeline.Stages, nil
	}
	stages := make([]pipeline.Stage, 0, len(names))
	for _, n := range names {
		s, err := pipeline.ParseStage(n)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, nil
}
