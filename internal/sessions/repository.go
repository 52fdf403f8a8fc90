package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session is one sync room lifetime on a stream, kept for analytics.
type Session struct {
	ID                   uuid.UUID  `json:"id"`
	RoomID               string     `json:"room_id"`
	StreamID             string     `json:"stream_id"`
	StartedAt            time.Time  `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	PeakViewers          int        `json:"peak_viewers"`
	TotalReactions       int64      `json:"total_reactions"`
	TotalSyncCorrections int64      `json:"total_sync_corrections"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Repository handles room_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a room sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, room_id, stream_id, started_at, ended_at, peak_viewers, total_reactions, total_sync_corrections, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.RoomID, &s.StreamID, &s.StartedAt, &s.EndedAt,
		&s.PeakViewers, &s.TotalReactions, &s.TotalSyncCorrections, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create creates a new session row for a room.
func (r *Repository) Create(ctx context.Context, roomID, streamID string) (*Session, error) {
	const q = `INSERT INTO room_sessions (id, room_id, stream_id, started_at, peak_viewers, total_reactions, total_sync_corrections)
		VALUES (gen_random_uuid(), $1, $2, NOW(), 0, 0, 0)
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, roomID, streamID))
}

// GetActiveByRoom returns the active (no ended_at) session for a room.
func (r *Repository) GetActiveByRoom(ctx context.Context, roomID string) (*Session, error) {
	const q = `SELECT ` + sessionColumns + `
		FROM room_sessions WHERE room_id = $1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, roomID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// GetOrCreateActive returns the active session for a room, creating one if none exists.
func (r *Repository) GetOrCreateActive(ctx context.Context, roomID, streamID string) (*Session, error) {
	s, err := r.GetActiveByRoom(ctx, roomID)
	if err != nil || s != nil {
		return s, err
	}
	return r.Create(ctx, roomID, streamID)
}

// UpdatePeakViewers raises peak_viewers for a session (only when higher).
func (r *Repository) UpdatePeakViewers(ctx context.Context, sessionID uuid.UUID, peak int) error {
	const q = `UPDATE room_sessions SET peak_viewers = $1, updated_at = NOW() WHERE id = $2 AND $1 > peak_viewers`
	_, err := r.pool.Exec(ctx, q, peak, sessionID)
	return err
}

// IncrementReactions adds to total_reactions.
func (r *Repository) IncrementReactions(ctx context.Context, sessionID uuid.UUID, delta int64) error {
	const q = `UPDATE room_sessions SET total_reactions = total_reactions + $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, delta, sessionID)
	return err
}

// IncrementSyncCorrections adds to total_sync_corrections.
func (r *Repository) IncrementSyncCorrections(ctx context.Context, sessionID uuid.UUID, delta int64) error {
	const q = `UPDATE room_sessions SET total_sync_corrections = total_sync_corrections + $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, delta, sessionID)
	return err
}

// End sets ended_at for a session.
func (r *Repository) End(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE room_sessions SET ended_at = NOW(), updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, sessionID)
	return err
}

// ListEndedSince returns sessions ended after the cutoff, oldest first.
func (r *Repository) ListEndedSince(ctx context.Context, cutoff time.Time) ([]Session, error) {
	const q = `SELECT ` + sessionColumns + `
		FROM room_sessions WHERE ended_at IS NOT NULL AND ended_at >= $1 ORDER BY ended_at ASC`
	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Aggregates holds aggregated session stats for a stream.
type Aggregates struct {
	PeakViewers          int   `json:"peak_viewers"`
	TotalReactions       int64 `json:"total_reactions"`
	TotalSyncCorrections int64 `json:"total_sync_corrections"`
	Sessions             int   `json:"sessions"`
}

// GetAggregatesByStream returns aggregated session stats for a stream.
func (r *Repository) GetAggregatesByStream(ctx context.Context, streamID string) (*Aggregates, error) {
	const q = `SELECT
		COALESCE(MAX(peak_viewers), 0),
		COALESCE(SUM(total_reactions), 0),
		COALESCE(SUM(total_sync_corrections), 0),
		COUNT(*)
		FROM room_sessions WHERE stream_id = $1`
	var a Aggregates
	err := r.pool.QueryRow(ctx, q, streamID).Scan(&a.PeakViewers, &a.TotalReactions, &a.TotalSyncCorrections, &a.Sessions)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
