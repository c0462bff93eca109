package consumer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/slapcommerce/eventcore/libs/db"
)

const StatusProcessed = "processed"

// StatusStore is the relational side of the consumer: outbox row status
// for idempotency, the processed mark, and the unprocessable dead-letter
// move.
type StatusStore interface {
	Status(ctx context.Context, id uuid.UUID) (status string, exists bool, err error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MoveToUnprocessable(ctx context.Context, id uuid.UUID, lastError string) error
}

type PostgresStatus struct {
	pool *db.Pool
}

func NewPostgresStatus(pool *db.Pool) *PostgresStatus {
	return &PostgresStatus{pool: pool}
}

func (s *PostgresStatus) Status(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM outbox WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

func (s *PostgresStatus) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'processed', processed_at = now()
		WHERE id = $1
	`, id)
	return err
}

// MoveToUnprocessable relocates the row into the dead-letter table in one
// statement, so the row is never in both places or neither.
func (s *PostgresStatus) MoveToUnprocessable(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM outbox WHERE id = $1
			RETURNING id, event
		)
		INSERT INTO unprocessable_messages_dlq (id, event, last_error, failed_at)
		SELECT id, event, $2, now() FROM moved
	`, id, lastError)
	return err
}
