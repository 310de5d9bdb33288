package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FingerprintSet records fingerprints seen during one ingestion run. Add
// reports whether the fingerprint was new.
type FingerprintSet interface {
	Add(ctx context.Context, fingerprint string) (bool, error)
}

// MemorySet is a process-local FingerprintSet. Use one per run.
type MemorySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemorySet returns an empty set.
func NewMemorySet() *MemorySet {
	return &MemorySet{seen: make(map[string]struct{})}
}

// Add implements FingerprintSet.
func (s *MemorySet) Add(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fingerprint]; ok {
		return false, nil
	}
	s.seen[fingerprint] = struct{}{}
	return true, nil
}

// Len reports how many distinct fingerprints were recorded.
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RedisSet shares one run's fingerprints between worker processes handling
// batches of the same run. The key expires so nothing outlives the run.
type RedisSet struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSet scopes a set to runID.
func NewRedisSet(client *redis.Client, runID string, ttl time.Duration) *RedisSet {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisSet{client: client, key: fmt.Sprintf("ingest:run:%s:seen", runID), ttl: ttl}
}

// Add implements FingerprintSet.
func (s *RedisSet) Add(ctx context.Context, fingerprint string) (bool, error) {
	pipe := s.client.TxPipeline()
	added := pipe.SAdd(ctx, s.key, fingerprint)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ingest: redis fingerprint add: %w", err)
	}
	return added.Val() == 1, nil
}

// Discard drops the run's set.
func (s *RedisSet) Discard(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// Deduplicator suppresses repeated fingerprints within one run.
type Deduplicator struct {
	set    FingerprintSet
	logger *slog.Logger
}

// NewDeduplicator wraps set; a nil set gets a fresh MemorySet.
func NewDeduplicator(set FingerprintSet, logger *slog.Logger) *Deduplicator {
	if set == nil {
		set = NewMemorySet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{set: set, logger: logger}
}

// Accept reports whether item should proceed to reconciliation. A failing
// set lets the item through; the engine's comparison against stored state
// keeps the outcome correct either way.
func (d *Deduplicator) Accept(ctx context.Context, item ValidatedItem) bool {
	added, err := d.set.Add(ctx, item.Fingerprint())
	if err != nil {
		d.logger.Warn("dedup set unavailable, passing item through",
			slog.String("key", item.Key.String()),
			slog.Any("error", err),
		)
		return true
	}
	return added
}
