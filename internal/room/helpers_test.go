package room_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/room"
	"github.com/cory-johannsen/gameroom/internal/seating"
	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

var (
	component = jid.MustParse("games.localhost")
	roomAddr  = jid.MustParse("g1@conference.localhost")
	alice     = jid.MustParse("g1@conference.localhost/alice")
	bob       = jid.MustParse("g1@conference.localhost/bob")
	carol     = jid.MustParse("g1@conference.localhost/carol")
	epoch     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

const nsChess = "urn:xmpp:gamepfc:chess"

// recorder keeps every stanza handed to it and fails each send with err.
type recorder struct {
	stanzas []xmlstream.Marshaler
	err     error
}

func (r *recorder) Send(v xmlstream.Marshaler) error {
	r.stanzas = append(r.stanzas, v)
	return r.err
}

func (r *recorder) reset() {
	r.stanzas = nil
}

// messages returns the sent messages of type typ addressed to to.
func (r *recorder) messages(typ stanza.MessageType, to jid.JID) []*xmpp.Message {
	var out []*xmpp.Message
	for _, s := range r.stanzas {
		if m, ok := s.(*xmpp.Message); ok && m.Type == typ && m.To.Equal(to) {
			out = append(out, m)
		}
	}
	return out
}

// events returns the envelope children of every message of type typ sent to to.
func (r *recorder) events(typ stanza.MessageType, to jid.JID) []xmpp.Element {
	var out []xmpp.Element
	for _, m := range r.messages(typ, to) {
		if x, ok := m.Extension(nsChess, "x"); ok {
			out = append(out, x.Children...)
		}
	}
	return out
}

type persisted struct {
	snaps []storage.Snapshot
}

func (p *persisted) Persist(s storage.Snapshot) {
	p.snaps = append(p.snaps, s)
}

func (p *persisted) last(t require.TestingT) storage.Snapshot {
	require.NotEmpty(t, p.snaps, "no snapshot persisted")
	return p.snaps[len(p.snaps)-1]
}

// countingSource records how many draws the seat shuffle makes.
type countingSource struct {
	inner seating.Source
	calls int
}

func (c *countingSource) Intn(n int) int {
	c.calls++
	return c.inner.Intn(n)
}

type harness struct {
	room  *room.Room
	out   *recorder
	store *persisted
	seats *countingSource
}

func newDeps(logger *zap.Logger, out *recorder, store *persisted, seats seating.Source) room.Deps {
	clock := epoch
	return room.Deps{
		Component: component,
		Sender:    out,
		Persister: store,
		Seats:     seats,
		Logger:    logger,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
}

// newOpenRoom returns a configured, open chess room. The seat source keeps
// join order, so the first joiner plays white.
func newOpenRoom(t *testing.T) *harness {
	return openRoom(t, zaptest.NewLogger(t))
}

func openRoom(t require.TestingT, logger *zap.Logger) *harness {
	h := &harness{
		out:   &recorder{},
		store: &persisted{},
		seats: &countingSource{inner: &seating.Sequence{1}},
	}
	r, err := room.New(room.TypeChess, newDeps(logger, h.out, h.store, h.seats))
	require.NoError(t, err)
	require.NoError(t, r.AwaitRoomID())
	require.NoError(t, r.Bind(roomAddr))
	require.NoError(t, r.Join())
	require.NoError(t, r.Configure("cfg-1"))
	require.NoError(t, r.Opened("Chess"))
	h.room = r
	h.out.reset()
	return h
}

// newActiveRoom returns a room where alice plays white and bob black.
func newActiveRoom(t *testing.T) *harness {
	return activeRoom(t, zaptest.NewLogger(t))
}

func activeRoom(t require.TestingT, logger *zap.Logger) *harness {
	h := openRoom(t, logger)
	h.room.OccupantJoined(alice)
	h.room.OccupantJoined(bob)
	require.Equal(t, room.Active, h.room.State())
	h.out.reset()
	return h
}

func command(name string, attrs ...string) *xmpp.Message {
	return &xmpp.Message{
		Message: stanza.Message{Type: stanza.ChatMessage},
		Extensions: []xmpp.Element{
			xmpp.NewElement(nsChess, "x").With(xmpp.NewElement(nsChess, name, attrs...)),
		},
	}
}

func move(from, to string) *xmpp.Message {
	return command("move", "from", from, "to", to)
}

func attr(el xmpp.Element, name string) string {
	v, _ := el.Attr(name)
	return v
}
