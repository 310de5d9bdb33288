package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pricewatch/pricewatch/internal/ingest"
	jobmetrics "github.com/pricewatch/pricewatch/internal/jobs"
)

// NewIngestPipeline wires validator, Postgres-backed engine and pipeline from cfg.
func NewIngestPipeline(cfg *Config, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *ingest.Pipeline {
	policy := cfg.RetryPolicy()
	policy.Logger = logger
	repo := ingest.NewRepository(pool, cfg.PGAcquireTimeout)
	engine := ingest.NewEngine(repo, policy, logger, metrics)
	validator := ingest.NewValidator(cfg.ValidatorConfig())
	return ingest.NewPipeline(cfg.PipelineConfig(), validator, engine, logger, metrics)
}
