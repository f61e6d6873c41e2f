package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/intrascan/intrascan/go/internal/apperr"
	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/sqlutil"
)

// DBTX defines what the repository needs from the database layer.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Counts aggregates the remote (present=false) participants.
type Counts struct {
	Remote    int
	CheckedIn int
	Ready     int
}

// NotReady is the remote participants that have not declared ready.
func (c Counts) NotReady() int {
	return c.Remote - c.Ready
}

const participantColumns = `user_id, nom, present, ready, a_pointe, updated_at`

// Repository implements participant data access against the presence table.
type Repository struct {
	db DBTX
}

// NewRepository creates a new presence repository.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// Get fetches one participant. Returns (nil, nil) when the user has never
// been observed.
func (r *Repository) Get(ctx context.Context, userID string) (*models.Participant, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM presence
		WHERE user_id = $1
	`, userID)

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get participant: %v", apperr.ErrStoreQuery, err)
	}
	return p, nil
}

// Upsert creates or updates a participant's presence. A presence change
// always invalidates a prior check-in, so a_pointe is forced false on both
// paths; the ready flag is left alone on update and defaulted on insert.
func (r *Repository) Upsert(ctx context.Context, userID string, present bool, now time.Time) (*models.Participant, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO presence (user_id, present, ready, a_pointe, updated_at)
		VALUES ($1, $2, false, false, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET present = EXCLUDED.present, a_pointe = false, updated_at = EXCLUDED.updated_at
		RETURNING `+participantColumns+`
	`, userID, present, now)

	p, err := scanParticipant(row)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert presence: %v", apperr.ErrStoreMutation, err)
	}
	return p, nil
}

// SetReady sets the ready flag.
func (r *Repository) SetReady(ctx context.Context, userID string, ready bool, now time.Time) (*models.Participant, error) {
	return r.setFlags(ctx, `
		UPDATE presence
		SET ready = $2, updated_at = $3
		WHERE user_id = $1
		RETURNING `+participantColumns+`
	`, userID, ready, now)
}

// SetCheckedIn sets the a_pointe flag.
func (r *Repository) SetCheckedIn(ctx context.Context, userID string, checkedIn bool, now time.Time) (*models.Participant, error) {
	return r.setFlags(ctx, `
		UPDATE presence
		SET a_pointe = $2, updated_at = $3
		WHERE user_id = $1
		RETURNING `+participantColumns+`
	`, userID, checkedIn, now)
}

// ClearCheckIn resets both ready and a_pointe in one statement, so the
// cancel transition is observed atomically and is safe to retry.
func (r *Repository) ClearCheckIn(ctx context.Context, userID string, now time.Time) (*models.Participant, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE presence
		SET ready = false, a_pointe = false, updated_at = $2
		WHERE user_id = $1
		RETURNING `+participantColumns+`
	`, userID, now)

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown participant %s", apperr.ErrStoreMutation, userID)
		}
		return nil, fmt.Errorf("%w: clear check-in: %v", apperr.ErrStoreMutation, err)
	}
	return p, nil
}

// RemoteCounts aggregates all remote participants in a single query.
func (r *Repository) RemoteCounts(ctx context.Context) (Counts, error) {
	row := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE a_pointe),
			COUNT(*) FILTER (WHERE ready)
		FROM presence
		WHERE NOT present
	`)

	var c Counts
	if err := row.Scan(&c.Remote, &c.CheckedIn, &c.Ready); err != nil {
		return Counts{}, fmt.Errorf("%w: remote counts: %v", apperr.ErrStoreQuery, err)
	}
	return c, nil
}

func (r *Repository) setFlags(ctx context.Context, query, userID string, value bool, now time.Time) (*models.Participant, error) {
	row := r.db.QueryRow(ctx, query, userID, value, now)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown participant %s", apperr.ErrStoreMutation, userID)
		}
		return nil, fmt.Errorf("%w: update presence flags: %v", apperr.ErrStoreMutation, err)
	}
	return p, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var (
		p   models.Participant
		nom sql.NullString
	)
	if err := row.Scan(&p.UserID, &nom, &p.Present, &p.Ready, &p.CheckedIn, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.DisplayName = sqlutil.FromSqlString(nom, models.DefaultDisplayName)
	return &p, nil
}
