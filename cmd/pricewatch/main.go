package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pricewatch/pricewatch/cmd/pricewatch/cli"
	"github.com/pricewatch/pricewatch/internal/app"
	"github.com/pricewatch/pricewatch/internal/catalog"
	"github.com/pricewatch/pricewatch/internal/fetch"
	jobmetrics "github.com/pricewatch/pricewatch/internal/jobs"
	"github.com/pricewatch/pricewatch/internal/observability"
	"github.com/pricewatch/pricewatch/internal/platform/cache"
	"github.com/pricewatch/pricewatch/internal/platform/db"
	"github.com/pricewatch/pricewatch/jobs"
)

const usage = `usage: pricewatch <command> [args]

commands:
  serve              run the read-only catalog API (default)
  migrate            apply the database schema
  ingest <file|url>  ingest a JSON Lines feed of raw observations ("-" reads stdin)
  jobs trigger <n>   enqueue a job by task name
  jobs inspect       print queue statistics`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	flag.Usage = func() { _, _ = fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var code int
	switch command {
	case "serve":
		code = serve(ctx, cfg, logger)
	case "migrate":
		code = migrate(ctx, cfg, logger)
	case "ingest":
		code = ingestFile(ctx, cfg, logger, args)
	case "jobs":
		code = jobsCommand(ctx, cfg, args)
	default:
		flag.Usage()
		code = cli.ExitUsage
	}
	stop()
	os.Exit(code)
}

func openPool(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*pgxpool.Pool, bool) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return nil, false
	}
	return pool, true
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, ok := openPool(ctx, cfg, logger)
	if !ok {
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, catalog cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	validator := cfg.ValidatorConfig()
	catalogService := catalog.NewService(
		catalog.NewRepository(pool),
		catalog.NewCache(redisClient, cfg.CatalogCacheTTL),
		catalog.PriceRange{Min: validator.SoftMin, Max: validator.SoftMax},
		logger,
	)
	catalogHandler := catalog.NewHandler(logger, catalogService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		CatalogHandler: catalogHandler,
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		DB:             pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server", slog.Any("error", err))
			return 1
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, ok := openPool(ctx, cfg, logger)
	if !ok {
		return 1
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		return 1
	}
	if err := jobs.RefreshCatalogViews(ctx, pool, logger); err != nil {
		logger.Warn("initial catalog refresh", slog.Any("error", err))
	}
	logger.Info("schema applied")
	return 0
}

func ingestFile(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		flag.Usage()
		return cli.ExitUsage
	}
	pool, ok := openPool(ctx, cfg, logger)
	if !ok {
		return 1
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)
	pipeline := app.NewIngestPipeline(cfg, pool, logger, metrics)
	ingestCLI, err := cli.NewIngestCLI(pipeline, fetch.New(cfg.FetchOptions(logger)))
	if err != nil {
		logger.Error("init ingest", slog.Any("error", err))
		return 1
	}
	return ingestCLI.IngestCommand(ctx, cli.IngestOptions{Path: args[0]})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		flag.Usage()
		return cli.ExitUsage
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		if len(args) != 2 {
			flag.Usage()
			return cli.ExitUsage
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "inspect":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
			return 1
		}
		if err := json.NewEncoder(os.Stdout).Encode(stats); err != nil {
			return 1
		}
	default:
		flag.Usage()
		return cli.ExitUsage
	}
	return 0
}
