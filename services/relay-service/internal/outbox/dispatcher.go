package outbox

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// DispatchResult is the outcome of one fire-and-forget dispatch attempt.
type DispatchResult int

const (
	// DispatchPublished: the event reached the broker and the row was
	// marked dispatched.
	DispatchPublished DispatchResult = iota
	// DispatchSkipped: nothing to do — row missing or already past pending.
	DispatchSkipped
	// DispatchFailedLogged: something went wrong; it was logged and
	// deliberately swallowed. The sweeper owns recovery.
	DispatchFailedLogged
)

func (r DispatchResult) String() string {
	switch r {
	case DispatchPublished:
		return "published"
	case DispatchSkipped:
		return "skipped"
	case DispatchFailedLogged:
		return "failed-logged"
	default:
		return "unknown"
	}
}

// Dispatcher is the immediate, best-effort outbox publisher invoked right
// after a business transaction commits. It never returns an error: the
// outbox row survives any failure here and the sweeper picks it up.
type Dispatcher struct {
	repo      *Repository
	publisher *Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

func NewDispatcher(repo *Repository, publisher *Publisher, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	return &Dispatcher{repo: repo, publisher: publisher, logger: logger, metrics: metrics}
}

// Dispatch publishes one pending row. The publish happens before the
// status update: a crash in between causes a duplicate delivery, which
// consumers deduplicate, rather than a lost message.
func (d *Dispatcher) Dispatch(ctx context.Context, id uuid.UUID) DispatchResult {
	msg, err := d.repo.Get(ctx, id)
	if err != nil {
		d.metrics.DispatchFailed.Inc()
		d.logger.Error("outbox dispatch fetch failed", "id", id, "err", err)
		return DispatchFailedLogged
	}
	if msg == nil || msg.Status != StatusPending {
		return DispatchSkipped
	}

	stream, err := d.publisher.Publish(ctx, msg)
	if err != nil {
		d.metrics.DispatchFailed.Inc()
		d.logger.Error("outbox dispatch publish failed", "id", id, "err", err)
		return DispatchFailedLogged
	}

	if err := d.repo.MarkDispatched(ctx, id); err != nil {
		// Already published; the duplicate on resweep is harmless.
		d.metrics.DispatchFailed.Inc()
		d.logger.Error("outbox dispatch mark failed", "id", id, "err", err)
		return DispatchFailedLogged
	}

	d.metrics.DispatchPublished.Inc()
	d.logger.Info("outbox dispatched", "id", id, "type", msg.Event.EventName, "stream", stream)
	return DispatchPublished
}
