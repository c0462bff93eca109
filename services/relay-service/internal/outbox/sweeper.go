package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/slapcommerce/eventcore/libs/db"
)

// Sweeper republishes outbox rows the fire-and-forget dispatcher lost:
// rows still pending long after creation, and rows dispatched but never
// marked processed. Rows that keep failing past the attempts ceiling move
// to the undeliverable dead-letter table.
type Sweeper struct {
	pool        *db.Pool
	repo        *Repository
	publisher   *Publisher
	archiver    *Archiver
	logger      *slog.Logger
	metrics     *Metrics
	interval    time.Duration
	staleness   time.Duration
	batchSize   int
	maxAttempts int
}

type SweeperConfig struct {
	Interval    time.Duration
	Staleness   time.Duration
	BatchSize   int
	MaxAttempts int
}

// NewSweeper wires a sweeper. archiver may be nil when no dead-letter
// archive bucket is configured.
func NewSweeper(pool *db.Pool, repo *Repository, publisher *Publisher, archiver *Archiver, logger *slog.Logger, metrics *Metrics, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Sweeper{
		pool:        pool,
		repo:        repo,
		publisher:   publisher,
		archiver:    archiver,
		logger:      logger,
		metrics:     metrics,
		interval:    cfg.Interval,
		staleness:   cfg.Staleness,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Run sweeps immediately, then on every tick until the context ends. An
// in-flight sweep finishes before Run returns.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.metrics.SweepCycles.Inc()
	cutoff := time.Now().UTC().Add(-s.staleness)

	ids, err := s.repo.StaleCandidates(ctx, cutoff, s.batchSize)
	if err != nil {
		s.metrics.SweepErrors.Inc()
		s.logger.Error("sweep candidate query failed", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	s.logger.Info("sweep cycle", "candidates", len(ids))

	// Each candidate runs in its own transaction so one failure never
	// poisons the rest of the batch.
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.sweepOne(ctx, id, cutoff); err != nil {
			s.metrics.SweepErrors.Inc()
			s.logger.Error("sweep failed", "id", id, "err", err)
		}
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, id uuid.UUID, cutoff time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg, err := s.repo.LockStale(ctx, tx, id, cutoff)
	if err != nil {
		return err
	}
	if msg == nil {
		// Another worker holds it, or it was processed since the scan.
		return nil
	}

	if msg.Attempts >= s.maxAttempts {
		reason := fmt.Sprintf("republish ceiling reached after %d attempts", msg.Attempts)
		if err := s.repo.MoveToUndeliverable(ctx, tx, msg, reason); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		s.metrics.Undeliverable.Inc()
		s.logger.Warn("outbox message undeliverable", "id", id, "type", msg.Event.EventName, "attempts", msg.Attempts)
		if s.archiver != nil {
			s.archiver.Archive(ctx, msg, reason)
		}
		return nil
	}

	stream, err := s.publisher.Publish(ctx, msg)
	if err != nil {
		return err
	}
	if err := s.repo.MarkDispatchedTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.metrics.Republished.Inc()
	s.logger.Info("outbox republished", "id", id, "type", msg.Event.EventName, "stream", stream, "attempts", msg.Attempts+1)
	return nil
}
