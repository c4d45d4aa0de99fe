package room_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/room"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

// lastError returns the status of the most recent error reply to who.
func lastError(t *testing.T, out *recorder, who jid.JID) string {
	t.Helper()
	events := out.events(stanza.ChatMessage, who)
	require.NotEmpty(t, events, "no reply to %s", who)
	last := events[len(events)-1]
	require.Equal(t, "error", last.XMLName.Local)
	return attr(last, "status")
}

func playMoves(h *harness, uci ...string) {
	for i, m := range uci {
		player := alice
		if i%2 == 1 {
			player = bob
		}
		h.room.HandlePrivateMessage(player, move(m[:2], m[2:4]))
	}
}

func TestMoveBeforeStart(t *testing.T) {
	h := newOpenRoom(t)
	h.room.OccupantJoined(alice)
	h.room.HandlePrivateMessage(alice, move("e2", "e4"))
	assert.Equal(t, "not-started", lastError(t, h.out, alice))
}

func TestMoveErrors(t *testing.T) {
	tests := []struct {
		name   string
		from   jid.JID
		msg    *xmpp.Message
		status string
	}{
		{"black moves first", bob, move("e7", "e5"), "invalid-turn"},
		{"spectator", carol, move("e2", "e4"), "invalid-turn"},
		{"off the board", alice, move("z9", "e4"), "invalid-position"},
		{"bad target", alice, move("e2", "e44"), "invalid-position"},
		{"missing target", alice, command("move", "from", "e2"), "invalid-position"},
		{"illegal", alice, move("e2", "e5"), "invalid-movement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newActiveRoom(t)
			before := len(h.store.snaps)
			h.room.HandlePrivateMessage(tt.from, tt.msg)
			assert.Equal(t, tt.status, lastError(t, h.out, tt.from))
			assert.Len(t, h.store.snaps, before, "a rejected move is not persisted")
			assert.Empty(t, h.out.events(stanza.GroupChatMessage, roomAddr), "a rejected move is not broadcast")
		})
	}
}

func TestMoveBroadcastAndPersisted(t *testing.T) {
	h := newActiveRoom(t)
	h.room.HandlePrivateMessage(alice, move("e2", "e4"))

	events := h.out.events(stanza.GroupChatMessage, roomAddr)
	require.Len(t, events, 1)
	assert.Equal(t, "move", events[0].XMLName.Local)
	assert.Equal(t, "e2", attr(events[0], "from"))
	assert.Equal(t, "e4", attr(events[0], "to"))

	snap := h.store.last(t)
	require.Len(t, snap.Moves, 1)
	assert.Equal(t, "e4", snap.Moves[0].To)
	assert.False(t, snap.Finished)

	h.room.HandlePrivateMessage(alice, move("d2", "d4"))
	assert.Equal(t, "invalid-turn", lastError(t, h.out, alice))
}

func TestCheckmateFinishesGame(t *testing.T) {
	h := newActiveRoom(t)
	playMoves(h, "f2f3", "e7e5", "g2g4", "d8h4")
	assert.Equal(t, room.Finished, h.room.State())

	events := h.out.events(stanza.GroupChatMessage, roomAddr)
	require.Len(t, events, 5, "four moves and the winner")
	assert.Equal(t, "winner", events[4].XMLName.Local)
	assert.Equal(t, "black", attr(events[4], "color"))

	subjects := h.out.messages(stanza.GroupChatMessage, roomAddr)
	assert.Equal(t, "Chess (black wins)", subjects[len(subjects)-1].Subject)

	snap := h.store.last(t)
	assert.True(t, snap.Finished)
	assert.Equal(t, "black", snap.Winner)
	assert.Len(t, snap.Moves, 4)

	h.room.HandlePrivateMessage(alice, move("a2", "a3"))
	assert.Equal(t, "finished", lastError(t, h.out, alice))

	// Leaving a decided game does not change its result.
	h.room.OccupantLeft(alice)
	assert.Equal(t, "black", h.store.last(t).Winner)
}

func TestStalemateIsDraw(t *testing.T) {
	h := newActiveRoom(t)
	playMoves(h,
		"e2e3", "a7a5", "d1h5", "a8a6", "h5a5", "h7h5", "h2h4", "a6h6", "a5c7", "f7f6",
		"c7d7", "e8f7", "d7b7", "d8d3", "b7b8", "d3h7", "b8c8", "f7g6", "c8e6")
	assert.Equal(t, room.Finished, h.room.State())

	events := h.out.events(stanza.GroupChatMessage, roomAddr)
	assert.Equal(t, "draw", events[len(events)-1].XMLName.Local)
	assert.Equal(t, "tie", h.store.last(t).Winner)

	subjects := h.out.messages(stanza.GroupChatMessage, roomAddr)
	assert.Equal(t, "Chess (draw)", subjects[len(subjects)-1].Subject)
}

func TestPromotion(t *testing.T) {
	h := newActiveRoom(t)
	playMoves(h, "a2a4", "b7b5", "a4b5", "a7a6", "b5a6", "c8b7", "a6b7", "g8f6")
	h.out.reset()

	h.room.HandlePrivateMessage(alice, command("move", "from", "b7", "to", "a8", "promotion", "n"))
	events := h.out.events(stanza.GroupChatMessage, roomAddr)
	require.Len(t, events, 1)
	assert.Equal(t, "n", attr(events[0], "promotion"))

	moves := h.store.last(t).Moves
	assert.Equal(t, "n", moves[len(moves)-1].Promotion)
}

func TestBoardCommand(t *testing.T) {
	h := newActiveRoom(t)
	h.room.HandlePrivateMessage(carol, command("board"))
	events := h.out.events(stanza.ChatMessage, carol)
	require.Len(t, events, 1)
	assert.Equal(t, "board", events[0].XMLName.Local)
	assert.Equal(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1", attr(events[0], "fen"))
}

func TestParseCommand(t *testing.T) {
	cmd, ok := room.ParseCommand(command("move", "from", "e2", "to", "e4"), nsChess)
	require.True(t, ok)
	assert.Equal(t, "move", cmd.Name)
	require.Len(t, cmd.Args, 2)
	assert.Equal(t, "from", cmd.Args[0].Name.Local)
	to, ok := cmd.Arg("to")
	assert.True(t, ok)
	assert.Equal(t, "e4", to)

	_, ok = room.ParseCommand(command("move"), "urn:other")
	assert.False(t, ok)
}
