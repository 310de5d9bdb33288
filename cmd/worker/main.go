package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pricewatch/pricewatch/internal/app"
	"github.com/pricewatch/pricewatch/internal/catalog"
	"github.com/pricewatch/pricewatch/internal/ingest"
	jobmetrics "github.com/pricewatch/pricewatch/internal/jobs"
	"github.com/pricewatch/pricewatch/internal/platform/cache"
	"github.com/pricewatch/pricewatch/internal/platform/db"
	"github.com/pricewatch/pricewatch/internal/source/kafka"
	"github.com/pricewatch/pricewatch/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	pipeline := app.NewIngestPipeline(cfg, pool, logger, metrics)

	validator := cfg.ValidatorConfig()
	catalogService := catalog.NewService(
		catalog.NewRepository(pool),
		catalog.NewCache(redisClient, cfg.CatalogCacheTTL),
		catalog.PriceRange{Min: validator.SoftMin, Max: validator.SoftMax},
		logger,
	)
	pipeline.OnRunComplete(func(ctx context.Context, stats ingest.Stats) {
		if stats.Created+stats.Updated == 0 {
			return
		}
		if err := catalogService.Invalidate(ctx); err != nil {
			logger.Warn("invalidate catalog cache", slog.String("run_id", stats.RunID), slog.Any("error", err))
		}
	})

	var dedupClient *redis.Client
	if cfg.RedisDedup() {
		dedupClient = redisClient
	}
	ingestJob := jobs.NewIngestBatchJob(pipeline, dedupClient, cfg.IngestDedupTTL, logger, metrics)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.IngestWorkers,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskIngestBatch, Handler: ingestJob.Handle},
			{Type: jobs.TaskCatalogRefresh, Handler: jobs.NewCatalogRefreshHandler(pool, catalogService, logger, metrics)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CatalogRefreshCron, Task: jobs.NewCatalogRefreshTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	if len(cfg.KafkaBrokers) > 0 {
		source, err := kafka.New(kafka.Config{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTopic,
			GroupID:       cfg.KafkaGroupID,
			BatchSize:     cfg.KafkaBatchSize,
			FlushInterval: cfg.KafkaFlushInterval,
		}, pipeline, logger)
		if err != nil {
			logger.Error("init kafka source", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := source.Close(); err != nil {
				logger.Warn("kafka close", slog.Any("error", err))
			}
		}()
		g.Go(func() error {
			return source.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
