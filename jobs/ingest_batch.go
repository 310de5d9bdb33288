package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/pricewatch/internal/ingest"
	jobmetrics "github.com/pricewatch/pricewatch/internal/jobs"
)

// RunStarter is satisfied by *ingest.Pipeline.
type RunStarter interface {
	NewRun(ctx context.Context, id string, set ingest.FingerprintSet) *ingest.Run
}

// IngestBatchJob executes TaskIngestBatch tasks.
type IngestBatchJob struct {
	Pipeline RunStarter
	// Redis, when set, shares fingerprints across batches of one run.
	Redis    *redis.Client
	DedupTTL time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewIngestBatchJob wires dependencies for the ingest handler. A nil redis
// client keeps deduplication local to each batch.
func NewIngestBatchJob(pipeline RunStarter, client *redis.Client, dedupTTL time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IngestBatchJob {
	return &IngestBatchJob{Pipeline: pipeline, Redis: client, DedupTTL: dedupTTL, Logger: logger, Metrics: metrics}
}

// Handle processes ingest batch tasks. Item failures are reported in the run
// stats and never fail the task; only a cancelled context before every
// observation was admitted asks asynq to retry.
func (j *IngestBatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pipeline == nil {
		return errors.New("ingest batch: handler not configured")
	}
	var payload IngestBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("ingest batch: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.Observations) == 0 {
		return nil
	}

	tracker := j.Metrics.Track(TaskIngestBatch)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	run := j.Pipeline.NewRun(ctx, payload.RunID, j.fingerprints(payload.RunID))
	logger := j.logger().With(slog.String("run_id", run.ID), slog.String("source", payload.Source))
	logger.Info("ingest batch started", slog.Int("observations", len(payload.Observations)))

	admitted := 0
	for _, obs := range payload.Observations {
		if err := run.Submit(ctx, obs); err != nil {
			resultErr = fmt.Errorf("ingest batch: admitted %d of %d: %w", admitted, len(payload.Observations), err)
			break
		}
		admitted++
	}
	stats := run.Close()
	if resultErr != nil {
		logger.Warn("ingest batch interrupted", slog.Int("admitted", admitted), slog.Any("error", resultErr))
		return resultErr
	}
	logger.Info("ingest batch completed",
		slog.Int("created", stats.Created),
		slog.Int("updated", stats.Updated),
		slog.Int("failed", stats.Failed),
	)
	return nil
}

func (j *IngestBatchJob) fingerprints(runID string) ingest.FingerprintSet {
	if j.Redis == nil || runID == "" {
		return ingest.NewMemorySet()
	}
	return ingest.NewRedisSet(j.Redis, runID, j.DedupTTL)
}

func (j *IngestBatchJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
