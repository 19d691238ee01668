package postgres

import (
	"context"

	"github.com/and161185/skyindex/internal/repository"
)

// CursorRepo persists subscription cursors outside indexing transactions.
type CursorRepo struct{ db *DB }

// NewCursorRepo constructs a cursor repository.
func NewCursorRepo(db *DB) *CursorRepo { return &CursorRepo{db: db} }

var _ repository.CursorRepository = (*CursorRepo)(nil)

// GetCursor returns the saved cursor for service, or 0.
func (r *CursorRepo) GetCursor(ctx context.Context, service string) (int64, error) {
	const q = `SELECT cursor FROM subscription_cursor WHERE service=$1`
	var cursor int64
	err := r.db.Pool.QueryRow(ctx, q, service).Scan(&cursor)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor, nil
}

// UpdateCursor stores cursor for service.
func (r *CursorRepo) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	const q = `
INSERT INTO subscription_cursor (service, cursor)
VALUES ($1, $2)
ON CONFLICT (service) DO UPDATE SET cursor=EXCLUDED.cursor`
	_, err := r.db.Pool.Exec(ctx, q, service, cursor)
	return err
}
