package idempotency

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore backs the idempotency ledger with the consumed_ids table.
// INSERT .. ON CONFLICT DO NOTHING gives the atomic check-and-set.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) MarkConsumed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consumed_ids (id, consumed_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, time.Now().UTC())
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *PostgresStore) Seen(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM consumed_ids WHERE id = $1)`, id)
	if err != nil {
		return false, err
	}
	return exists, nil
}
