package gateway_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/game/catalog"
	"github.com/cory-johannsen/gameroom/internal/gateway"
	"github.com/cory-johannsen/gameroom/internal/seating"
	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/storage/memory"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

const (
	mucDomain = "conference.localhost"
	nsChess   = "urn:xmpp:gamepfc:chess"
	nsGame    = "urn:xmpp:gamepfc"
	waitFor   = 2 * time.Second
)

var (
	component = jid.MustParse("games.localhost")
	epoch     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

const catalogYAML = `
games:
  - type: chess
    name: Chess
    invitation: Join a game of chess
`

// wire records outbound stanzas in the order the gateway sent them.
type wire struct {
	ch chan xmlstream.Marshaler
}

func (w *wire) Send(v xmlstream.Marshaler) error {
	w.ch <- v
	return nil
}

func (w *wire) next(t *testing.T) xmlstream.Marshaler {
	t.Helper()
	select {
	case v := <-w.ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("no stanza sent")
		return nil
	}
}

func (w *wire) iq(t *testing.T) *xmpp.IQ {
	t.Helper()
	v := w.next(t)
	iq, ok := v.(*xmpp.IQ)
	require.True(t, ok, "expected iq, got %T", v)
	return iq
}

func (w *wire) presence(t *testing.T) *xmpp.Presence {
	t.Helper()
	v := w.next(t)
	p, ok := v.(*xmpp.Presence)
	require.True(t, ok, "expected presence, got %T", v)
	return p
}

func (w *wire) message(t *testing.T) *xmpp.Message {
	t.Helper()
	v := w.next(t)
	m, ok := v.(*xmpp.Message)
	require.True(t, ok, "expected message, got %T", v)
	return m
}

// event returns the single envelope child of the next message.
func (w *wire) event(t *testing.T) (*xmpp.Message, xmpp.Element) {
	t.Helper()
	m := w.message(t)
	x, ok := m.Extension(nsChess, "x")
	require.True(t, ok, "message without envelope")
	child, ok := x.FirstChild()
	require.True(t, ok, "empty envelope")
	return m, child
}

func (w *wire) empty(t *testing.T) {
	t.Helper()
	select {
	case v := <-w.ch:
		t.Fatalf("unexpected stanza %#v", v)
	default:
	}
}

// storePersister saves synchronously so tests can read results immediately.
type storePersister struct {
	store storage.Saver
}

func (p storePersister) Persist(s storage.Snapshot) {
	_ = p.store.Save(context.Background(), s)
}

type fixture struct {
	gw     *gateway.Gateway
	out    *wire
	store  *memory.Store
	cancel context.CancelFunc
	done   chan error
}

type fixtureOption func(*gateway.Config)

func withTimeout(d time.Duration) fixtureOption {
	return func(c *gateway.Config) { c.AllocationTimeout = d }
}

// newGateway builds a gateway over store without starting it. Request ids
// are req-1, req-2, ... and the seat shuffle keeps join order.
func newGateway(t *testing.T, store *memory.Store, opts ...fixtureOption) *fixture {
	t.Helper()
	f := newGatewayOver(t, store, opts...)
	f.store = store
	return f
}

// newGatewayOver is newGateway for any store. The fixture's store field is
// left nil.
func newGatewayOver(t *testing.T, store storage.Store, opts ...fixtureOption) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(catalogYAML))
	require.NoError(t, err)

	cfg := gateway.Config{
		Component:         component,
		MUCDomain:         mucDomain,
		AllocationTimeout: waitFor,
		EventBuffer:       64,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var ids atomic.Int64
	clock := epoch
	out := &wire{ch: make(chan xmlstream.Marshaler, 256)}
	gw := gateway.New(cfg, out, store, storePersister{store: store}, cat, zaptest.NewLogger(t),
		gateway.WithSeats(&seating.Sequence{1}),
		gateway.WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
		gateway.WithRequestIDs(func() string {
			return fmt.Sprintf("req-%d", ids.Add(1))
		}),
	)
	return &fixture{gw: gw, out: out, done: make(chan error, 1)}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.gw.Run(ctx) }()
	t.Cleanup(f.stop)
	select {
	case <-f.gw.Ready():
	case <-time.After(waitFor):
		t.Fatal("gateway not ready")
	}
}

func (f *fixture) stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
}

// startGateway returns a running gateway with an empty store.
func startGateway(t *testing.T, opts ...fixtureOption) *fixture {
	f := newGateway(t, memory.New(), opts...)
	f.start(t)
	return f
}

type created struct {
	info gateway.SessionInfo
	err  error
}

func (f *fixture) createAsync(t string) <-chan created {
	ch := make(chan created, 1)
	go func() {
		info, err := f.gw.CreateSession(context.Background(), t)
		ch <- created{info, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan created) created {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(waitFor):
		t.Fatal("session creation did not complete")
		return created{}
	}
}

func uniqueResult(id, name string) *xmpp.IQ {
	return &xmpp.IQ{
		IQ:      stanza.IQ{ID: id, Type: stanza.ResultIQ, From: jid.MustParse(mucDomain), To: component},
		Payload: []xmpp.Element{xmpp.NewElement(xmpp.NSMUCUnique, "unique").WithText(name)},
	}
}

func iqResult(id, from string) *xmpp.IQ {
	return &xmpp.IQ{IQ: stanza.IQ{ID: id, Type: stanza.ResultIQ, From: jid.MustParse(from), To: component}}
}

func iqError(id, from string, condition stanza.Condition) *xmpp.IQ {
	return &xmpp.IQ{
		IQ: stanza.IQ{ID: id, Type: stanza.ErrorIQ, From: jid.MustParse(from), To: component},
		Payload: []xmpp.Element{
			xmpp.NewElement("", "error", "type", string(stanza.Cancel)).
				With(xmpp.NewElement(stanza.NSError, string(condition))),
		},
	}
}

// openRoom drives a CreateSession call through allocation and configuration
// of room name and returns the created session.
func (f *fixture) openRoom(t *testing.T, name string) gateway.SessionInfo {
	t.Helper()
	addr := name + "@" + mucDomain
	ch := f.createAsync("chess")

	unique := f.out.iq(t)
	f.gw.HandleIQ(uniqueResult(unique.ID, name))
	join := f.out.presence(t)
	require.Equal(t, addr+"/arbiter", join.To.String())
	conf := f.out.iq(t)
	require.Equal(t, addr, conf.To.String())
	f.gw.HandleIQ(iqResult(conf.ID, addr))
	subject := f.out.message(t)
	require.Equal(t, "Chess", subject.Subject)

	c := await(t, ch)
	require.NoError(t, c.err)
	return c.info
}

func occupant(room, nick string) string {
	return room + "@" + mucDomain + "/" + nick
}

func joined(from string) *xmpp.Presence {
	return &xmpp.Presence{
		Presence:   stanza.Presence{From: jid.MustParse(from), To: component},
		Extensions: []xmpp.Element{xmpp.NewElement(muc.NSUser, "x")},
	}
}

func left(from string) *xmpp.Presence {
	return &xmpp.Presence{
		Presence:   stanza.Presence{Type: stanza.UnavailablePresence, From: jid.MustParse(from), To: component},
		Extensions: []xmpp.Element{xmpp.NewElement(muc.NSUser, "x")},
	}
}

func playRequest(from, game string) *xmpp.Message {
	return &xmpp.Message{
		Message:    stanza.Message{From: jid.MustParse(from), To: component},
		Extensions: []xmpp.Element{xmpp.NewElement(nsGame, "play", "game", game)},
	}
}

func command(from, name string, attrs ...string) *xmpp.Message {
	return &xmpp.Message{
		Message: stanza.Message{Type: stanza.ChatMessage, From: jid.MustParse(from), To: component},
		Extensions: []xmpp.Element{
			xmpp.NewElement(nsChess, "x").With(xmpp.NewElement(nsChess, name, attrs...)),
		},
	}
}

func attr(el xmpp.Element, name string) string {
	v, _ := el.Attr(name)
	return v
}

// quiet waits until the loop has handled everything posted so far and fails
// if any stanza was sent meanwhile.
func (f *fixture) quiet(t *testing.T) {
	t.Helper()
	_, err := f.gw.Sessions(context.Background())
	require.NoError(t, err)
	f.out.empty(t)
}
