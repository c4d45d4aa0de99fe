// Package storagetest holds behaviour checks shared by every storage backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/gameroom/internal/storage"
)

// NewSnapshot returns an unfinished chess snapshot created at created.
func NewSnapshot(created time.Time) storage.Snapshot {
	created = created.UTC().Truncate(time.Millisecond)
	return storage.Snapshot{
		ID:        uuid.New(),
		Address:   "g" + uuid.NewString()[:8] + "@conference.localhost",
		Type:      "chess",
		CreatedAt: created,
		UpdatedAt: created,
		Roster:    []string{},
		Moves:     []storage.Move{},
	}
}

// Collect drains FindOpen.
func Collect(t *testing.T, s storage.Store) []storage.Snapshot {
	t.Helper()
	var out []storage.Snapshot
	for snap, err := range s.FindOpen(context.Background()) {
		require.NoError(t, err)
		out = append(out, snap)
	}
	return out
}

// Run exercises the Store contract against stores built by newStore. Each
// subtest receives a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		s := newStore(t)
		assert.Empty(t, Collect(t, s))
	})

	t.Run("save and find open", func(t *testing.T) {
		s := newStore(t)
		snap := NewSnapshot(base)
		snap.Roster = []string{"g1@conference.localhost/alice", "g1@conference.localhost/bob"}
		snap.Moves = []storage.Move{{From: "e2", To: "e4"}, {From: "e7", To: "e8", Promotion: "n"}}
		require.NoError(t, s.Save(ctx, snap))

		got := Collect(t, s)
		require.Len(t, got, 1)
		assertSnapshotEqual(t, snap, got[0])
	})

	t.Run("upsert replaces", func(t *testing.T) {
		s := newStore(t)
		snap := NewSnapshot(base)
		require.NoError(t, s.Save(ctx, snap))

		snap.Roster = []string{"g1@conference.localhost/alice"}
		snap.UpdatedAt = base.Add(time.Minute)
		snap.Moves = append(snap.Moves, storage.Move{From: "d2", To: "d4"})
		require.NoError(t, s.Save(ctx, snap))

		got := Collect(t, s)
		require.Len(t, got, 1)
		assertSnapshotEqual(t, snap, got[0])
	})

	t.Run("finished excluded", func(t *testing.T) {
		s := newStore(t)
		open := NewSnapshot(base)
		won := NewSnapshot(base.Add(time.Second))
		won.Finished = true
		won.Winner = "black"
		abandoned := NewSnapshot(base.Add(2 * time.Second))
		abandoned.Finished = true
		for _, snap := range []storage.Snapshot{open, won, abandoned} {
			require.NoError(t, s.Save(ctx, snap))
		}

		got := Collect(t, s)
		require.Len(t, got, 1)
		assert.Equal(t, open.ID, got[0].ID)
	})

	t.Run("ordered by creation", func(t *testing.T) {
		s := newStore(t)
		late := NewSnapshot(base.Add(time.Hour))
		early := NewSnapshot(base)
		mid := NewSnapshot(base.Add(time.Minute))
		for _, snap := range []storage.Snapshot{late, early, mid} {
			require.NoError(t, s.Save(ctx, snap))
		}

		got := Collect(t, s)
		require.Len(t, got, 3)
		assert.Equal(t, []uuid.UUID{early.ID, mid.ID, late.ID}, []uuid.UUID{got[0].ID, got[1].ID, got[2].ID})
	})

	t.Run("re-iterable and not live", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, NewSnapshot(base)))
		seq := s.FindOpen(ctx)

		count := 0
		for _, err := range seq {
			require.NoError(t, err)
			count++
		}
		assert.Equal(t, 1, count)

		require.NoError(t, s.Save(ctx, NewSnapshot(base.Add(time.Second))))
		count = 0
		for _, err := range s.FindOpen(ctx) {
			require.NoError(t, err)
			count++
		}
		assert.Equal(t, 2, count)
	})

	t.Run("early break", func(t *testing.T) {
		s := newStore(t)
		for i := range 3 {
			require.NoError(t, s.Save(ctx, NewSnapshot(base.Add(time.Duration(i)*time.Second))))
		}
		seen := 0
		for _, err := range s.FindOpen(ctx) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
		assert.Len(t, Collect(t, s), 3)
	})
}

func assertSnapshotEqual(t *testing.T, want, got storage.Snapshot) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Address, got.Address)
	assert.Equal(t, want.Type, got.Type)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %s != %s", want.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, want.Roster, got.Roster, "roster order is significant")
	assert.Equal(t, want.Finished, got.Finished)
	assert.Equal(t, want.Winner, got.Winner)
	assert.Equal(t, want.Moves, got.Moves)
}
