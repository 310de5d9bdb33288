package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/pricewatch/pricewatch/internal/jobs"
)

// Reconciler is satisfied by *Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, item ValidatedItem) (Outcome, error)
}

// PipelineConfig sizes a run.
type PipelineConfig struct {
	// Workers bounds concurrent reconciliations per run.
	Workers int
	// QueueDepth bounds admitted-but-unstarted observations; Submit blocks when full.
	QueueDepth int
}

// Pipeline wires validator, deduplicator and engine together.
type Pipeline struct {
	cfg        PipelineConfig
	validator  *Validator
	reconciler Reconciler
	logger     *slog.Logger
	metrics    *jobmetrics.Metrics
	onComplete []func(context.Context, Stats)
}

// NewPipeline builds a Pipeline.
func NewPipeline(cfg PipelineConfig, validator *Validator, reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers * 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, validator: validator, reconciler: reconciler, logger: logger, metrics: metrics}
}

// OnRunComplete registers a hook invoked with the final stats of every run.
func (p *Pipeline) OnRunComplete(fn func(context.Context, Stats)) {
	if fn != nil {
		p.onComplete = append(p.onComplete, fn)
	}
}

// Ingest runs obs through one fresh run and returns its stats. A nil set
// gets a MemorySet scoped to this call.
func (p *Pipeline) Ingest(ctx context.Context, obs []RawObservation, set FingerprintSet) Stats {
	run := p.NewRun(ctx, "", set)
	for _, o := range obs {
		if err := run.Submit(ctx, o); err != nil {
			break
		}
	}
	return run.Close()
}

// Run is one ingestion session. Its deduplication state dies with it.
type Run struct {
	ID string

	p     *Pipeline
	dedup *Deduplicator
	// admit is the context the run was started with; once it is done no
	// observation is admitted. work outlives it so in-flight
	// reconciliations finish.
	admit context.Context
	work  context.Context
	queue chan RawObservation
	stop  chan struct{}
	done  chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once

	stats   statsCounter
	started time.Time
	final   Stats
}

// NewRun starts a run. Cancelling ctx stops admission; admitted items are
// still processed. An empty id gets a random one.
func (p *Pipeline) NewRun(ctx context.Context, id string, set FingerprintSet) *Run {
	if id == "" {
		id = uuid.NewString()
	}
	r := &Run{
		ID:      id,
		p:       p,
		dedup:   NewDeduplicator(set, p.logger),
		admit:   ctx,
		work:    context.WithoutCancel(ctx),
		queue:   make(chan RawObservation, p.cfg.QueueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now().UTC(),
	}
	r.stats.rejected = make(map[RejectionReason]int)
	go r.dispatch()
	go func() {
		select {
		case <-ctx.Done():
			r.Cancel()
		case <-r.done:
		}
	}()
	return r
}

// Submit admits one observation, blocking while the queue is full. Nothing is
// admitted once the run is cancelled, even when the queue has room.
func (r *Run) Submit(ctx context.Context, obs RawObservation) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.admit.Err() != nil {
		return ErrRunClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.queue <- obs:
		return nil
	default:
	}
	select {
	case <-r.stop:
		return ErrRunClosed
	case <-r.admit.Done():
		return ErrRunClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.queue <- obs:
		return nil
	}
}

// Cancel stops admission without waiting for the run to drain.
func (r *Run) Cancel() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
}

// Close stops admission, waits for every admitted item and returns the stats.
func (r *Run) Close() Stats {
	r.Cancel()
	<-r.done
	return r.final
}

func (r *Run) dispatch() {
	var g errgroup.Group
	g.SetLimit(r.p.cfg.Workers)
	for obs := range r.queue {
		g.Go(func() error {
			r.process(obs)
			return nil
		})
	}
	_ = g.Wait()

	stats := r.stats.snapshot(r.ID, r.started)
	r.final = stats
	r.p.logger.Info("ingestion run complete",
		slog.String("run_id", stats.RunID),
		slog.Int("received", stats.Received),
		slog.Int("validated", stats.Validated),
		slog.Int("rejected", stats.Rejected),
		slog.Int("deduplicated", stats.Deduplicated),
		slog.Int("created", stats.Created),
		slog.Int("updated", stats.Updated),
		slog.Int("unchanged", stats.Unchanged),
		slog.Int("failed", stats.Failed),
		slog.Int("outliers", stats.Outliers),
		slog.Duration("duration", stats.FinishedAt.Sub(stats.StartedAt)),
	)
	for _, fn := range r.p.onComplete {
		fn(r.work, stats)
	}
	close(r.done)
}

func (r *Run) process(obs RawObservation) {
	r.stats.add(func(s *statsCounter) { s.received++ })
	logger := r.p.logger.With(slog.String("run_id", r.ID))

	item, err := r.p.validator.Validate(obs)
	if err != nil {
		reason := ReasonMissingField
		field := ""
		if rej, ok := AsRejection(err); ok {
			reason = rej.Reason
			field = rej.Field
		}
		r.stats.add(func(s *statsCounter) { s.rejected[reason]++ })
		r.p.metrics.AddRejection(string(reason))
		logger.Warn("observation rejected",
			slog.String("reason", string(reason)),
			slog.String("field", field),
			slog.String("platform", obs.Platform),
			slog.String("url", obs.URL),
			slog.String("name", obs.ProductName),
			slog.String("price_raw", string(obs.Price)),
		)
		return
	}
	r.stats.add(func(s *statsCounter) {
		s.validated++
		if item.Outlier {
			s.outliers++
		}
	})
	if item.Outlier {
		r.p.metrics.AddOutlier()
		logger.Info("price outside plausibility range",
			slog.String("key", item.Key.String()),
			slog.String("price", item.Price.String()),
		)
	}

	if !r.dedup.Accept(r.work, item) {
		r.stats.add(func(s *statsCounter) { s.deduplicated++ })
		r.p.metrics.AddItem("duplicate")
		logger.Debug("duplicate suppressed", slog.String("key", item.Key.String()))
		return
	}

	outcome, err := r.p.reconciler.Reconcile(r.work, item)
	if err != nil {
		r.stats.add(func(s *statsCounter) { s.failed++ })
		r.p.metrics.AddItem("failed")
		logger.Error("item ingestion failed",
			slog.String("key", item.Key.String()),
			slog.String("price", item.Price.String()),
			slog.Bool("pool_exhausted", errors.Is(err, ErrPoolExhausted)),
			slog.Any("error", err),
		)
		return
	}
	r.stats.add(func(s *statsCounter) {
		switch outcome.Kind {
		case OutcomeCreated:
			s.created++
		case OutcomeUpdated:
			s.updated++
		case OutcomeUnchanged:
			s.unchanged++
		}
	})
	r.p.metrics.AddItem(string(outcome.Kind))
	if outcome.Kind == OutcomeUpdated {
		logger.Debug("price changed",
			slog.String("key", item.Key.String()),
			slog.String("old_price", outcome.OldPrice.String()),
			slog.String("new_price", item.Price.String()),
		)
	}
}
