// Package kafka consumes raw laptop observations from a Kafka topic and feeds
// them to the ingestion pipeline in batches. Each batch is one run.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/pricewatch/pricewatch/internal/ingest"
)

const consumeBackoff = 5 * time.Second

// Ingester runs one batch of observations as a single run.
type Ingester interface {
	Ingest(ctx context.Context, obs []ingest.RawObservation, set ingest.FingerprintSet) ingest.Stats
}

// Config describes the consumer group.
type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
}

// Source owns a consumer group session loop.
type Source struct {
	cfg     Config
	handler *batchHandler
	logger  *slog.Logger
	group   sarama.ConsumerGroup
}

// New connects a consumer group.
func New(cfg Config, ingester Ingester, logger *slog.Logger) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka: topic and group id required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: consumer group: %w", err)
	}
	return &Source{
		cfg:     cfg,
		handler: newBatchHandler(ingester, cfg.BatchSize, cfg.FlushInterval, logger),
		logger:  logger,
		group:   group,
	}, nil
}

// Run consumes until ctx is cancelled, rejoining the group after rebalances.
func (s *Source) Run(ctx context.Context) error {
	go func() {
		for err := range s.group.Errors() {
			s.logger.Error("kafka consumer error", slog.Any("error", err))
		}
	}()
	s.logger.Info("kafka source started", slog.String("topic", s.cfg.Topic), slog.String("group", s.cfg.GroupID))
	for {
		if err := s.group.Consume(ctx, []string{s.cfg.Topic}, s.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.Error("kafka consume failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(consumeBackoff):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (s *Source) Close() error {
	return s.group.Close()
}

type batchHandler struct {
	ingester  Ingester
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

func newBatchHandler(ingester Ingester, batchSize int, interval time.Duration, logger *slog.Logger) *batchHandler {
	if batchSize <= 0 {
		batchSize = 200
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &batchHandler{ingester: ingester, batchSize: batchSize, interval: interval, logger: logger}
}

func (h *batchHandler) Setup(sarama.ConsumerGroupSession) error { return nil }
func (h *batchHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim batches one partition. Offsets are marked only after the
// batch has been ingested; malformed messages are logged and skipped. A batch
// pending at session end is still ingested even if its offsets never commit;
// redelivered observations reconcile as unchanged.
func (h *batchHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var (
		batch []ingest.RawObservation
		last  *sarama.ConsumerMessage
	)
	flush := func() {
		if last == nil {
			return
		}
		if len(batch) > 0 {
			ctx := context.WithoutCancel(session.Context())
			stats := h.ingester.Ingest(ctx, batch, ingest.NewMemorySet())
			h.logger.Info("kafka batch ingested",
				slog.String("topic", claim.Topic()),
				slog.Int("partition", int(claim.Partition())),
				slog.Int64("offset", last.Offset),
				slog.Int("received", stats.Received),
				slog.Int("failed", stats.Failed),
			)
		}
		session.MarkMessage(last, "")
		batch = batch[:0]
		last = nil
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			last = msg
			var obs ingest.RawObservation
			if err := json.Unmarshal(msg.Value, &obs); err != nil {
				h.logger.Warn("kafka message skipped",
					slog.String("topic", msg.Topic),
					slog.Int64("offset", msg.Offset),
					slog.Any("error", err),
				)
			} else {
				batch = append(batch, obs)
			}
			if len(batch) >= h.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-session.Context().Done():
			flush()
			return nil
		}
	}
}
