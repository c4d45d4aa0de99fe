package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gameroom/internal/storage"
)

// SessionRepository persists session snapshots.
type SessionRepository struct {
	db *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save upserts snap by ID.
//
// Postcondition: The row for snap.ID matches snap, or a non-nil error is returned.
func (r *SessionRepository) Save(ctx context.Context, snap storage.Snapshot) error {
	moves := snap.Moves
	if moves == nil {
		moves = []storage.Move{}
	}
	movesJSON, err := json.Marshal(moves)
	if err != nil {
		return fmt.Errorf("encoding moves: %w", err)
	}
	roster := snap.Roster
	if roster == nil {
		roster = []string{}
	}
	var winner *string
	if snap.Winner != "" {
		winner = &snap.Winner
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO sessions (id, address, type, created_at, updated_at, roster, finished, winner, moves)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		 ON CONFLICT (id) DO UPDATE SET
		     address    = EXCLUDED.address,
		     type       = EXCLUDED.type,
		     updated_at = EXCLUDED.updated_at,
		     roster     = EXCLUDED.roster,
		     finished   = EXCLUDED.finished,
		     winner     = EXCLUDED.winner,
		     moves      = EXCLUDED.moves`,
		snap.ID.String(), snap.Address, snap.Type, snap.CreatedAt, snap.UpdatedAt,
		roster, snap.Finished, winner, string(movesJSON),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", snap.ID, err)
	}
	return nil
}

// FindOpen streams unfinished sessions, oldest first. The connection is held
// for the duration of the iteration. A row whose id or moves fail to decode
// is yielded as a *storage.CorruptSnapshotError and iteration continues.
func (r *SessionRepository) FindOpen(ctx context.Context) iter.Seq2[storage.Snapshot, error] {
	return func(yield func(storage.Snapshot, error) bool) {
		rows, err := r.db.Query(ctx,
			`SELECT id::text, address, type, created_at, updated_at, roster, finished, winner, moves::text
			 FROM sessions
			 WHERE finished = FALSE
			 ORDER BY created_at, id`)
		if err != nil {
			yield(storage.Snapshot{}, fmt.Errorf("querying open sessions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			snap, err := scanSnapshot(rows)
			if !yield(snap, err) {
				return
			}
			if err != nil && !errors.Is(err, storage.ErrCorruptSnapshot) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.Snapshot{}, fmt.Errorf("iterating sessions: %w", err))
		}
	}
}

func scanSnapshot(row pgx.Row) (storage.Snapshot, error) {
	var (
		snap   storage.Snapshot
		id     string
		winner *string
		moves  string
	)
	if err := row.Scan(&id, &snap.Address, &snap.Type, &snap.CreatedAt, &snap.UpdatedAt,
		&snap.Roster, &snap.Finished, &winner, &moves); err != nil {
		return storage.Snapshot{}, fmt.Errorf("scanning session: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return storage.Snapshot{}, &storage.CorruptSnapshotError{ID: id, Err: fmt.Errorf("parsing id: %w", err)}
	}
	snap.ID = parsed
	if winner != nil {
		snap.Winner = *winner
	}
	if err := json.Unmarshal([]byte(moves), &snap.Moves); err != nil {
		return storage.Snapshot{}, &storage.CorruptSnapshotError{ID: id, Err: fmt.Errorf("decoding moves: %w", err)}
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}
