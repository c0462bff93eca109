package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/slapcommerce/eventcore/libs/db"
	"github.com/slapcommerce/eventcore/libs/eventstore"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusProcessed  Status = "processed"
)

// Message is one outbox row. Event is the integration-event envelope the
// business transaction wrote alongside its domain commit.
type Message struct {
	ID           uuid.UUID
	Status       Status
	CreatedAt    time.Time
	DispatchedAt *time.Time
	ProcessedAt  *time.Time
	Attempts     int
	Event        eventstore.IntegrationEvent
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const messageColumns = `id, status, created_at, dispatched_at, processed_at, attempts, event`

// Get returns the row, or nil when it does not exist.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM outbox
		WHERE id = $1
	`, id)
	return scanMessage(row)
}

// MarkDispatched records a successful publish. Monotonic: a processed row
// is never demoted.
func (r *Repository) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'dispatched', dispatched_at = now(), attempts = attempts + 1
		WHERE id = $1 AND status <> 'processed'
	`, id)
	return err
}

// StaleCandidates lists ids that look abandoned: still pending, or
// dispatched but never processed, as of the cutoff. Oldest first so the
// most overdue work goes out first.
func (r *Repository) StaleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM outbox
		WHERE (status = 'pending' AND created_at < $1)
		   OR (status = 'dispatched' AND dispatched_at < $1)
		ORDER BY LEAST(created_at, COALESCE(dispatched_at, created_at))
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LockStale claims one candidate inside the caller's transaction without
// waiting on other workers, and re-checks the staleness predicate under
// the lock. Returns nil when the row is locked elsewhere, gone, or no
// longer stale.
func (r *Repository) LockStale(ctx context.Context, tx pgx.Tx, id uuid.UUID, cutoff time.Time) (*Message, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM outbox
		WHERE id = $1
		  AND ((status = 'pending' AND created_at < $2)
		    OR (status = 'dispatched' AND dispatched_at < $2))
		FOR UPDATE SKIP LOCKED
	`, id, cutoff)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkDispatchedTx is MarkDispatched under the sweeper's row lock.
func (r *Repository) MarkDispatchedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox
		SET status = 'dispatched', dispatched_at = now(), attempts = attempts + 1
		WHERE id = $1
	`, id)
	return err
}

// MoveToUndeliverable copies the row into the undeliverable dead-letter
// table and deletes it from the outbox, in the caller's transaction. The
// outbox row only ever disappears through a move like this one.
func (r *Repository) MoveToUndeliverable(ctx context.Context, tx pgx.Tx, msg *Message, lastError string) error {
	event, err := json.Marshal(msg.Event)
	if err != nil {
		return err
	}
	lastAttempt := msg.CreatedAt
	if msg.DispatchedAt != nil {
		lastAttempt = *msg.DispatchedAt
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO undeliverable_messages_dlq (id, event, attempts, created_at, last_attempt_at, last_error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, msg.ID, event, msg.Attempts, msg.CreatedAt, lastAttempt, lastError); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, msg.ID)
	return err
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var raw []byte
	err := row.Scan(&msg.ID, &msg.Status, &msg.CreatedAt, &msg.DispatchedAt, &msg.ProcessedAt, &msg.Attempts, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &msg.Event); err != nil {
		return nil, fmt.Errorf("outbox row %s: decode event: %w", msg.ID, err)
	}
	return &msg, nil
}
