// Package storage defines the durable record of a game session and the
// persistence contract the gateway writes through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Move is one accepted move in a session's log.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// Snapshot is the persisted state of a session.
//
// Winner is "white", "black", "tie", or empty. A finished snapshot with an
// empty winner is an abandoned session.
type Snapshot struct {
	ID        uuid.UUID
	Address   string
	Type      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Roster    []string
	Finished  bool
	Winner    string
	Moves     []Move
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.Roster = slices.Clone(s.Roster)
	s.Moves = slices.Clone(s.Moves)
	return s
}

// ErrCorruptSnapshot matches every *CorruptSnapshotError.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// CorruptSnapshotError reports a stored row that could not be decoded into a
// Snapshot.
type CorruptSnapshotError struct {
	ID  string
	Err error
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("corrupt snapshot %s: %v", e.ID, e.Err)
}

// Is reports whether target is ErrCorruptSnapshot.
func (e *CorruptSnapshotError) Is(target error) bool {
	return target == ErrCorruptSnapshot
}

func (e *CorruptSnapshotError) Unwrap() error {
	return e.Err
}

// Saver writes snapshots.
type Saver interface {
	// Save upserts s by ID.
	//
	// Postcondition: A later FindOpen reflects s until another Save for the
	// same ID replaces it.
	Save(ctx context.Context, s Snapshot) error
}

// Store is the full persistence contract.
type Store interface {
	Saver
	// FindOpen yields every unfinished snapshot ordered by creation time. The
	// query runs when iteration starts; calling FindOpen again starts a new
	// query. A *CorruptSnapshotError describes one row that could not be
	// decoded and iteration continues after it; any other non-nil error ends
	// the sequence.
	FindOpen(ctx context.Context) iter.Seq2[Snapshot, error]
}
