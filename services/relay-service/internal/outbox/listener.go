package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/slapcommerce/eventcore/libs/db"
)

// notifyChannel is the channel business transactions NOTIFY with the new
// outbox row id right after commit.
const notifyChannel = "outbox_events"

// Listener holds a dedicated connection on LISTEN and fires the
// dispatcher for every notified row, giving near-immediate delivery
// between sweeper cycles.
type Listener struct {
	pool       *db.Pool
	dispatcher *Dispatcher
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewListener(pool *db.Pool, dispatcher *Dispatcher, logger *slog.Logger) *Listener {
	return &Listener{pool: pool, dispatcher: dispatcher, logger: logger, retryDelay: 5 * time.Second}
}

// Run listens until the context ends, reconnecting with a delay whenever
// the connection drops.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("outbox listener disconnected", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(l.retryDelay):
			}
		}
	}
	l.logger.Info("outbox listener stopped")
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	l.logger.Info("outbox listener ready", "channel", notifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		id, err := uuid.Parse(n.Payload)
		if err != nil {
			l.logger.Error("outbox notification with bad payload", "payload", n.Payload)
			continue
		}
		l.dispatcher.Dispatch(ctx, id)
	}
}
