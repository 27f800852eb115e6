// Package postgres provides durable stores for the coordinator's position
// snapshots and the consumed-identifier ledger.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"shieldlend/internal/domain"
	pkgerrors "shieldlend/pkg/errors"

	"github.com/jmoiron/sqlx"
)

// PositionRepository persists coordinator position snapshots.
type PositionRepository struct {
	db *sqlx.DB
}

func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

type positionRow struct {
	UserAddress string    `db:"user_address"`
	Deposited   uint64    `db:"deposited"`
	Loaned      uint64    `db:"loaned"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Upsert writes the latest snapshot for a user.
func (r *PositionRepository) Upsert(ctx context.Context, pos domain.Position) error {
	row := positionRow{
		UserAddress: string(pos.User),
		Deposited:   pos.Deposited,
		Loaned:      pos.Loaned,
		UpdatedAt:   pos.UpdatedAt.UTC(),
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO positions (user_address, deposited, loaned, updated_at)
		VALUES (:user_address, :deposited, :loaned, :updated_at)
		ON CONFLICT (user_address) DO UPDATE SET
			deposited  = EXCLUDED.deposited,
			loaned     = EXCLUDED.loaned,
			updated_at = EXCLUDED.updated_at
	`, row)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to upsert position")
	}
	return nil
}

// Find returns the stored snapshot for a user.
func (r *PositionRepository) Find(ctx context.Context, user domain.Address) (*domain.Position, error) {
	var row positionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT user_address, deposited, loaned, updated_at FROM positions WHERE user_address = $1`,
		string(user))
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrUnknownUser
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load position")
	}

	return &domain.Position{
		User:      domain.Address(row.UserAddress),
		Deposited: row.Deposited,
		Loaned:    row.Loaned,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// ListActive returns snapshots with a nonzero deposit, the set a monitor
// walks when fanning out per-user emergency triggers.
func (r *PositionRepository) ListActive(ctx context.Context, limit int) ([]domain.Position, error) {
	var rows []positionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT user_address, deposited, loaned, updated_at
		FROM positions
		WHERE deposited > 0
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list positions")
	}

	positions := make([]domain.Position, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, domain.Position{
			User:      domain.Address(row.UserAddress),
			Deposited: row.Deposited,
			Loaned:    row.Loaned,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return positions, nil
}
