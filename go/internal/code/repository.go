package code

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/intrascan/intrascan/go/internal/apperr"
	"github.com/intrascan/intrascan/go/internal/models"
)

// DBTX defines what the repository needs from the database layer.
// Both pgxpool.Pool and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements shared-code data access against the code table.
type Repository struct {
	db DBTX
}

// NewRepository creates a new code repository.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// GetCurrent fetches the newest code row. Returns (nil, nil) when the row
// does not exist yet.
func (r *Repository) GetCurrent(ctx context.Context) (*models.SharedCode, error) {
	row := r.db.QueryRow(ctx, `
		SELECT code_value, updated_at
		FROM code
		ORDER BY updated_at DESC
		LIMIT 1
	`)

	var c models.SharedCode
	if err := row.Scan(&c.Value, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: fetch current code: %v", apperr.ErrStoreQuery, err)
	}
	return &c, nil
}

// InsertInitial lazily creates the sentinel code row. If another client
// won the creation race the existing row is adopted instead.
func (r *Repository) InsertInitial(ctx context.Context, now time.Time) (*models.SharedCode, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO code (id, code_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		RETURNING code_value, updated_at
	`, models.SharedCodeID, models.InitialCodeValue, now)

	var c models.SharedCode
	if err := row.Scan(&c.Value, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race; someone else created it first.
			return r.GetCurrent(ctx)
		}
		return nil, fmt.Errorf("%w: insert initial code: %v", apperr.ErrStoreMutation, err)
	}
	return &c, nil
}

// Update overwrites the shared value and its timestamp, keyed by the
// fixed row identity. Last write by commit order wins; there is no
// compare-and-swap token (observed behavior, kept deliberately).
func (r *Repository) Update(ctx context.Context, value string, now time.Time) (*models.SharedCode, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE code
		SET code_value = $2, updated_at = $3
		WHERE id = $1
		RETURNING code_value, updated_at
	`, models.SharedCodeID, value, now)

	var c models.SharedCode
	if err := row.Scan(&c.Value, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: code row missing", apperr.ErrStoreMutation)
		}
		return nil, fmt.Errorf("%w: update code: %v", apperr.ErrStoreMutation, err)
	}
	return &c, nil
}
