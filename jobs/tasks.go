package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/pricewatch/pricewatch/internal/ingest"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueIngest carries observation batches from crawl workers.
	QueueIngest = "ingest"
	// TaskIngestBatch runs one batch of raw observations through the pipeline.
	TaskIngestBatch = "ingest:batch"
	// TaskCatalogRefresh refreshes the catalog summary views.
	TaskCatalogRefresh = "catalog:refresh"
)

// ErrEmptyBatch is returned when a batch carries no observations.
var ErrEmptyBatch = errors.New("jobs: ingest batch has no observations")

// IngestBatchPayload is one crawl worker's hand-off. Batches sharing a RunID
// belong to the same run and deduplicate against each other when the Redis
// backend is enabled.
type IngestBatchPayload struct {
	RunID        string                  `json:"run_id,omitempty"`
	Source       string                  `json:"source,omitempty"`
	Observations []ingest.RawObservation `json:"observations"`
}

// NewIngestBatchTask constructs an Asynq task for payload.
func NewIngestBatchTask(payload IngestBatchPayload) (*asynq.Task, error) {
	if len(payload.Observations) == 0 {
		return nil, ErrEmptyBatch
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode ingest batch: %w", err)
	}
	return asynq.NewTask(TaskIngestBatch, data, asynq.Queue(QueueIngest)), nil
}

// NewCatalogRefreshTask constructs the periodic view refresh task.
func NewCatalogRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskCatalogRefresh, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(2))
}
