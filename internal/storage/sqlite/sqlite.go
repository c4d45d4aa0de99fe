// Package sqlite provides a SQLite-backed session store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/storage/sqlite/migrations"
)

// Store persists session snapshots in SQLite.
type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens the database at path and applies embedded migrations.
//
// Precondition: path must be non-empty.
// Postcondition: Returns a migrated Store or a non-nil error; the handle is
// closed on failure.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("opening migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	// m.Close would close db as well; the Store owns it.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts snap by ID.
func (s *Store) Save(ctx context.Context, snap storage.Snapshot) error {
	roster, err := json.Marshal(nonNil(snap.Roster))
	if err != nil {
		return fmt.Errorf("encoding roster: %w", err)
	}
	moves, err := json.Marshal(nonNil(snap.Moves))
	if err != nil {
		return fmt.Errorf("encoding moves: %w", err)
	}
	var winner sql.NullString
	if snap.Winner != "" {
		winner = sql.NullString{String: snap.Winner, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, address, type, created_at, updated_at, roster, finished, winner, moves)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     address    = excluded.address,
		     type       = excluded.type,
		     updated_at = excluded.updated_at,
		     roster     = excluded.roster,
		     finished   = excluded.finished,
		     winner     = excluded.winner,
		     moves      = excluded.moves`,
		snap.ID.String(), snap.Address, snap.Type,
		toMillis(snap.CreatedAt), toMillis(snap.UpdatedAt),
		string(roster), snap.Finished, winner, string(moves),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", snap.ID, err)
	}
	return nil
}

// FindOpen yields unfinished sessions, oldest first. Rows are read in full
// before the first yield so callers may Save while iterating. A row that
// fails to decode is yielded as a *storage.CorruptSnapshotError.
func (s *Store) FindOpen(ctx context.Context) iter.Seq2[storage.Snapshot, error] {
	return func(yield func(storage.Snapshot, error) bool) {
		rows, err := s.queryOpen(ctx)
		if err != nil {
			yield(storage.Snapshot{}, err)
			return
		}
		for _, r := range rows {
			snap, err := r.decode()
			if err != nil {
				err = &storage.CorruptSnapshotError{ID: r.id, Err: err}
			}
			if !yield(snap, err) {
				return
			}
		}
	}
}

// row is one undecoded sessions row.
type row struct {
	id, address, typ string
	created, updated int64
	roster, moves    string
	finished         bool
	winner           sql.NullString
}

func (r row) decode() (storage.Snapshot, error) {
	snap := storage.Snapshot{
		Address:   r.address,
		Type:      r.typ,
		CreatedAt: fromMillis(r.created),
		UpdatedAt: fromMillis(r.updated),
		Finished:  r.finished,
		Winner:    r.winner.String,
	}
	var err error
	if snap.ID, err = uuid.Parse(r.id); err != nil {
		return storage.Snapshot{}, fmt.Errorf("parsing id: %w", err)
	}
	if err := json.Unmarshal([]byte(r.roster), &snap.Roster); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decoding roster: %w", err)
	}
	if err := json.Unmarshal([]byte(r.moves), &snap.Moves); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decoding moves: %w", err)
	}
	return snap, nil
}

func (s *Store) queryOpen(ctx context.Context) ([]row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, type, created_at, updated_at, roster, finished, winner, moves
		 FROM sessions
		 WHERE finished = 0
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying open sessions: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.address, &r.typ, &r.created, &r.updated,
			&r.roster, &r.finished, &r.winner, &r.moves); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
