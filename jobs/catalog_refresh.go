package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	jobmetrics "github.com/pricewatch/pricewatch/internal/jobs"
)

// ViewStore is the subset of *pgxpool.Pool the refresh job needs.
type ViewStore interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const catalogSummaryView = "platform_price_summary"

// RefreshCatalogViews refreshes the per-brand summary. The view is created
// WITH NO DATA, so the first refresh cannot run concurrently.
func RefreshCatalogViews(ctx context.Context, store ViewStore, logger *slog.Logger) error {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	var populated bool
	if err := store.QueryRow(ctx, `SELECT ispopulated FROM pg_matviews WHERE matviewname = $1`, catalogSummaryView).Scan(&populated); err != nil {
		logger.Error("inspect catalog view", slog.Any("error", err))
		return fmt.Errorf("jobs: inspect %s: %w", catalogSummaryView, err)
	}
	stmt := "REFRESH MATERIALIZED VIEW " + catalogSummaryView
	if populated {
		stmt = "REFRESH MATERIALIZED VIEW CONCURRENTLY " + catalogSummaryView
	}
	if _, err := store.Exec(ctx, stmt); err != nil {
		logger.Error("refresh catalog view", slog.Any("error", err))
		return fmt.Errorf("jobs: refresh %s: %w", catalogSummaryView, err)
	}
	logger.Info("refreshed catalog view", slog.String("job", TaskCatalogRefresh), slog.Bool("concurrently", populated))
	return nil
}

// Invalidator drops cached catalog queries.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// NewCatalogRefreshHandler adapts RefreshCatalogViews to an asynq handler.
// The catalog cache is invalidated after a successful refresh.
func NewCatalogRefreshHandler(store ViewStore, cache Invalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) (err error) {
		tracker := metrics.Track(TaskCatalogRefresh)
		defer func() { err = tracker.End(err) }()

		if err = RefreshCatalogViews(ctx, store, logger); err != nil {
			return err
		}
		if cache != nil {
			if invErr := cache.Invalidate(ctx); invErr != nil && logger != nil {
				logger.Warn("invalidate catalog cache", slog.Any("error", invErr))
			}
		}
		return nil
	}
}
