package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/pricewatch/pricewatch/internal/jobs"
	"github.com/pricewatch/pricewatch/internal/retry"
)

// maxConflictRounds bounds how often a lost create race is folded back into
// the update path before giving up.
const maxConflictRounds = 3

// RepositoryPort abstracts the store used by the engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the statements a reconcile runs inside one transaction.
type TxRepository interface {
	// GetProductForUpdate loads and row-locks the product, or returns ErrProductNotFound.
	GetProductForUpdate(ctx context.Context, key Key) (Product, error)
	// InsertProduct returns ErrKeyConflict when another writer owns the key.
	InsertProduct(ctx context.Context, p Product) (int64, error)
	UpdateProduct(ctx context.Context, p Product) error
	InsertHistory(ctx context.Context, h PriceHistoryEntry) error
}

// Engine reconciles validated items against stored state.
type Engine struct {
	repo    RepositoryPort
	policy  retry.Policy
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewEngine builds an Engine.
func NewEngine(repo RepositoryPort, policy retry.Policy, logger *slog.Logger, metrics *jobmetrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Engine{
		repo:    repo,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Reconcile merges item into durable state: Created, Updated(old price) or
// Unchanged. Reads and writes for one key run under the product row lock.
// Transient store failures are retried; exhaustion yields ErrItemIngestionFailure.
func (e *Engine) Reconcile(ctx context.Context, item ValidatedItem) (Outcome, error) {
	start := time.Now()
	var outcome Outcome
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = e.reconcileOnce(ctx, item)
		return err
	})
	e.metrics.ObserveReconcile(time.Since(start))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrItemIngestionFailure, item.Key, err)
	}
	return outcome, nil
}

func (e *Engine) reconcileOnce(ctx context.Context, item ValidatedItem) (Outcome, error) {
	for round := 0; round < maxConflictRounds; round++ {
		var outcome Outcome
		err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			outcome, err = e.apply(ctx, tx, item)
			return err
		})
		if errors.Is(err, ErrKeyConflict) {
			e.logger.Debug("lost create race, retrying as update", slog.String("key", item.Key.String()))
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		return outcome, nil
	}
	return Outcome{}, retry.Transient(fmt.Errorf("%w: %s", ErrKeyConflict, item.Key))
}

func (e *Engine) apply(ctx context.Context, tx TxRepository, item ValidatedItem) (Outcome, error) {
	now := e.clock()
	current, err := tx.GetProductForUpdate(ctx, item.Key)
	if errors.Is(err, ErrProductNotFound) {
		p := productFromItem(item)
		p.FirstSeen = now
		p.LastUpdated = now
		id, err := tx.InsertProduct(ctx, p)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeCreated, ProductID: id}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	next := mergeMetadata(current, item)

	if current.Price.Equal(item.Price) {
		if !metadataEqual(current, next) {
			if err := tx.UpdateProduct(ctx, next); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Kind: OutcomeUnchanged, ProductID: current.ID}, nil
	}

	entry := PriceHistoryEntry{
		ProductID:  current.ID,
		Price:      current.Price,
		Currency:   current.Currency,
		RecordedAt: current.LastUpdated,
	}
	if err := tx.InsertHistory(ctx, entry); err != nil {
		return Outcome{}, err
	}
	next.Price = item.Price
	next.LastUpdated = now
	if err := tx.UpdateProduct(ctx, next); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeUpdated, ProductID: current.ID, OldPrice: current.Price}, nil
}

func productFromItem(item ValidatedItem) Product {
	return Product{
		Key:           item.Key,
		ProductName:   item.ProductName,
		Brand:         item.Brand,
		Model:         item.Model,
		Price:         item.Price,
		OriginalPrice: item.OriginalPrice,
		Currency:      item.Currency,
		Attributes:    item.Attributes,
		Specs:         item.Specs,
	}
}

// mergeMetadata refreshes non-price fields from item, keeping stored values
// the observation does not carry.
func mergeMetadata(current Product, item ValidatedItem) Product {
	next := current
	next.ProductName = item.ProductName
	if item.Brand != "" {
		next.Brand = item.Brand
	}
	if item.Model != "" {
		next.Model = item.Model
	}
	next.OriginalPrice = item.OriginalPrice
	next.Currency = item.Currency
	next.Attributes = item.Attributes
	if item.Specs != nil {
		next.Specs = item.Specs
	}
	return next
}

func metadataEqual(a, b Product) bool {
	if a.ProductName != b.ProductName || a.Brand != b.Brand || a.Model != b.Model ||
		a.Currency != b.Currency || a.Attributes != b.Attributes {
		return false
	}
	if a.OriginalPrice.Valid != b.OriginalPrice.Valid {
		return false
	}
	if a.OriginalPrice.Valid && !a.OriginalPrice.Decimal.Equal(b.OriginalPrice.Decimal) {
		return false
	}
	return specsEqual(a.Specs, b.Specs)
}

func specsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
