package gateway_test

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/gateway"
	"github.com/cory-johannsen/gameroom/internal/room"
	"github.com/cory-johannsen/gameroom/internal/storage/memory"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

func TestPlayRequestCreatesRoomAndRunsGame(t *testing.T) {
	f := startGateway(t)
	alice := "alice@localhost/home"
	bob := "bob@localhost/work"

	f.gw.HandleMessage(playRequest(alice, "chess"))

	unique := f.out.iq(t)
	assert.Equal(t, "req-1", unique.ID)
	assert.Equal(t, stanza.GetIQ, unique.Type)
	assert.Equal(t, mucDomain, unique.To.String())
	assert.True(t, unique.From.Equal(component))
	_, ok := unique.Child(xmpp.NSMUCUnique, "unique")
	assert.True(t, ok)

	f.gw.HandleIQ(uniqueResult("req-1", "g1"))

	join := f.out.presence(t)
	assert.Equal(t, occupant("g1", "arbiter"), join.To.String())
	assert.True(t, join.Available())

	conf := f.out.iq(t)
	assert.Equal(t, "req-2", conf.ID)
	assert.Equal(t, stanza.SetIQ, conf.Type)
	assert.Equal(t, "g1@"+mucDomain, conf.To.String())

	infos, err := f.gw.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, room.Configuring, infos[0].State)

	f.gw.HandleIQ(iqResult("req-2", "g1@"+mucDomain))

	subject := f.out.message(t)
	assert.Equal(t, "Chess", subject.Subject)

	invite := f.out.message(t)
	assert.Equal(t, "g1@"+mucDomain, invite.To.String())
	x, ok := invite.Extension(muc.NSUser, "x")
	require.True(t, ok)
	inv, ok := x.Child("", "invite")
	require.True(t, ok)
	assert.Equal(t, alice, attr(inv, "to"))
	reason, ok := inv.Child("", "reason")
	require.True(t, ok)
	assert.Equal(t, "Join a game of chess", reason.Text)

	// The open room is offered to the next player without a new allocation.
	f.gw.HandleMessage(playRequest(bob, "chess"))
	invite = f.out.message(t)
	x, _ = invite.Extension(muc.NSUser, "x")
	inv, _ = x.Child("", "invite")
	assert.Equal(t, bob, attr(inv, "to"))

	whiteNick, blackNick := occupant("g1", "alice"), occupant("g1", "bob")
	f.gw.HandlePresence(joined(whiteNick))
	f.gw.HandlePresence(joined(blackNick))

	m, start := f.out.event(t)
	assert.Equal(t, whiteNick, m.To.String())
	assert.Equal(t, "white", attr(start, "color"))
	m, start = f.out.event(t)
	assert.Equal(t, blackNick, m.To.String())
	assert.Equal(t, "black", attr(start, "color"))

	f.gw.HandleMessage(command(whiteNick, "move", "from", "e2", "to", "e4"))
	m, mv := f.out.event(t)
	assert.Equal(t, stanza.GroupChatMessage, m.Type)
	assert.Equal(t, "move", mv.XMLName.Local)
	assert.Equal(t, "e2", attr(mv, "from"))
	assert.Equal(t, "e4", attr(mv, "to"))

	f.gw.HandleMessage(command(whiteNick, "move", "from", "d2", "to", "d4"))
	m, e := f.out.event(t)
	assert.Equal(t, whiteNick, m.To.String())
	assert.Equal(t, "invalid-turn", attr(e, "status"))

	infos, err = f.gw.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, room.Active, infos[0].State)
	assert.Equal(t, []string{whiteNick, blackNick}, infos[0].Roster)

	// White leaves: black wins by forfeit.
	f.gw.HandlePresence(left(whiteNick))
	m, w := f.out.event(t)
	assert.Equal(t, stanza.GroupChatMessage, m.Type)
	assert.Equal(t, "winner", w.XMLName.Local)
	assert.Equal(t, "black", attr(w, "color"))
	subject = f.out.message(t)
	assert.Equal(t, "Chess (black wins)", subject.Subject)

	snap, ok := f.store.Get(infos[0].ID)
	require.True(t, ok)
	assert.True(t, snap.Finished)
	assert.Equal(t, "black", snap.Winner)
	assert.Len(t, snap.Moves, 1)

	// The last occupant leaving retires the room.
	f.gw.HandlePresence(left(blackNick))
	leave := f.out.presence(t)
	assert.Equal(t, occupant("g1", "arbiter"), leave.To.String())
	assert.Equal(t, stanza.UnavailablePresence, leave.Type)

	infos, err = f.gw.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCreateSessionUnknownType(t *testing.T) {
	f := startGateway(t)
	c := await(t, f.createAsync("go"))
	assert.ErrorIs(t, c.err, gateway.ErrUnknownSessionType)
	f.quiet(t)
}

func TestPlayRequestUnknownTypeIgnored(t *testing.T) {
	f := startGateway(t)
	f.gw.HandleMessage(playRequest("alice@localhost/home", "checkers"))
	f.quiet(t)
}

func TestCreateSessionAllocationRefused(t *testing.T) {
	f := startGateway(t)
	ch := f.createAsync("chess")
	unique := f.out.iq(t)
	f.gw.HandleIQ(iqError(unique.ID, mucDomain, stanza.ServiceUnavailable))

	c := await(t, ch)
	assert.ErrorIs(t, c.err, gateway.ErrInfraAllocationFailed)
	assert.Contains(t, c.err.Error(), stanza.ServiceUnavailable)
	f.quiet(t)

	infos, err := f.gw.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCreateSessionMalformedReply(t *testing.T) {
	f := startGateway(t)
	ch := f.createAsync("chess")
	unique := f.out.iq(t)
	f.gw.HandleIQ(iqResult(unique.ID, mucDomain))

	c := await(t, ch)
	assert.ErrorIs(t, c.err, gateway.ErrInfraAllocationFailed)
	f.quiet(t)
}

func TestCreateSessionAcceptsFullRoomAddress(t *testing.T) {
	f := startGateway(t)
	ch := f.createAsync("chess")
	unique := f.out.iq(t)
	f.gw.HandleIQ(uniqueResult(unique.ID, "g7@"+mucDomain))

	join := f.out.presence(t)
	assert.Equal(t, occupant("g7", "arbiter"), join.To.String())
	conf := f.out.iq(t)
	f.gw.HandleIQ(iqResult(conf.ID, "g7@"+mucDomain))
	f.out.message(t)

	c := await(t, ch)
	require.NoError(t, c.err)
	assert.Equal(t, "g7@"+mucDomain, c.info.Address)
}

func TestCreateSessionRejectsForeignRoomAddress(t *testing.T) {
	f := startGateway(t)
	ch := f.createAsync("chess")
	unique := f.out.iq(t)
	f.gw.HandleIQ(uniqueResult(unique.ID, "g7@elsewhere.example"))

	c := await(t, ch)
	assert.ErrorIs(t, c.err, gateway.ErrInfraAllocationFailed)
	f.quiet(t)
}

func TestCreateSessionTimeout(t *testing.T) {
	f := startGateway(t, withTimeout(20*time.Millisecond))
	ch := f.createAsync("chess")
	unique := f.out.iq(t)

	c := await(t, ch)
	assert.ErrorIs(t, c.err, gateway.ErrInfraAllocationFailed)

	// A response after the timeout is ignored.
	f.gw.HandleIQ(uniqueResult(unique.ID, "late"))
	f.quiet(t)

	infos, err := f.gw.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCreateSessionConfigurationRefused(t *testing.T) {
	f := startGateway(t)
	ch := f.createAsync("chess")
	unique := f.out.iq(t)
	f.gw.HandleIQ(uniqueResult(unique.ID, "g2"))
	f.out.presence(t)
	conf := f.out.iq(t)
	f.gw.HandleIQ(iqError(conf.ID, "g2@"+mucDomain, stanza.Forbidden))

	leave := f.out.presence(t)
	assert.Equal(t, stanza.UnavailablePresence, leave.Type)
	assert.Equal(t, occupant("g2", "arbiter"), leave.To.String())

	c := await(t, ch)
	assert.ErrorIs(t, c.err, gateway.ErrInfraAllocationFailed)
	assert.Contains(t, c.err.Error(), stanza.Forbidden)

	infos, err := f.gw.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCreateSessionDuplicateRoomRejected(t *testing.T) {
	f := startGateway(t)
	f.openRoom(t, "g1")

	ch := f.createAsync("chess")
	unique := f.out.iq(t)
	f.gw.HandleIQ(uniqueResult(unique.ID, "g1"))
	c := await(t, ch)
	assert.ErrorIs(t, c.err, gateway.ErrInfraAllocationFailed)
	f.quiet(t)

	infos, err := f.gw.Sessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestCreateSessionReturnsOpenRoom(t *testing.T) {
	f := startGateway(t)
	info := f.openRoom(t, "g1")
	assert.Equal(t, "g1@"+mucDomain, info.Address)
	assert.Equal(t, room.TypeChess, info.Type)
	assert.Equal(t, room.Open, info.State)
	assert.Empty(t, info.Roster)
}

func TestMessageForUnknownRoomDropped(t *testing.T) {
	f := startGateway(t)
	f.gw.HandleMessage(command(occupant("nowhere", "alice"), "ping"))
	f.gw.HandlePresence(joined(occupant("nowhere", "alice")))
	f.quiet(t)
}

func TestPingAnsweredInAnyState(t *testing.T) {
	f := startGateway(t)
	f.openRoom(t, "g1")
	nick := occupant("g1", "alice")

	f.gw.HandleMessage(command(nick, "ping"))
	m, pong := f.out.event(t)
	assert.Equal(t, nick, m.To.String())
	assert.Equal(t, "pong", pong.XMLName.Local)

	// Before the game starts moves are refused.
	f.gw.HandlePresence(joined(nick))
	f.gw.HandleMessage(command(nick, "move", "from", "e2", "to", "e4"))
	_, e := f.out.event(t)
	assert.Equal(t, "not-started", attr(e, "status"))
}

func TestGroupchatNotInterpreted(t *testing.T) {
	f := startGateway(t)
	f.openRoom(t, "g1")
	msg := command(occupant("g1", "alice"), "ping")
	msg.Type = stanza.GroupChatMessage
	f.gw.HandleMessage(msg)

	echo := command(occupant("g1", "arbiter"), "move", "from", "e2", "to", "e4")
	echo.Type = stanza.GroupChatMessage
	f.gw.HandleMessage(echo)
	f.quiet(t)
}

func TestArbiterAndBareRoomPresenceIgnored(t *testing.T) {
	f := startGateway(t)
	f.openRoom(t, "g1")
	f.gw.HandlePresence(joined(occupant("g1", "arbiter")))
	f.gw.HandlePresence(joined("g1@" + mucDomain))
	f.gw.HandlePresence(&xmpp.Presence{
		Presence: stanza.Presence{Type: stanza.ErrorPresence, From: jid.MustParse(occupant("g1", "arbiter"))},
	})
	f.quiet(t)

	infos, err := f.gw.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Empty(t, infos[0].Roster)
}

func TestStrayIQIgnored(t *testing.T) {
	f := startGateway(t)
	f.gw.HandleIQ(&xmpp.IQ{
		IQ:      stanza.IQ{ID: "v1", Type: stanza.GetIQ, From: jid.MustParse("alice@localhost/home"), To: component},
		Payload: []xmpp.Element{xmpp.NewElement("jabber:iq:version", "query")},
	})
	f.gw.HandleIQ(iqResult("stray", mucDomain))
	f.quiet(t)
}

func TestResponseFromUnexpectedPeerIgnored(t *testing.T) {
	f := startGateway(t)
	ch := f.createAsync("chess")
	unique := f.out.iq(t)
	assert.Equal(t, mucDomain, unique.To.String())

	spoofed := uniqueResult(unique.ID, "evil")
	spoofed.From = jid.MustParse("mallory@localhost/x")
	f.gw.HandleIQ(spoofed)
	f.quiet(t)

	f.gw.HandleIQ(uniqueResult(unique.ID, "g1"))
	join := f.out.presence(t)
	assert.Equal(t, occupant("g1", "arbiter"), join.To.String())

	conf := f.out.iq(t)
	f.gw.HandleIQ(iqResult(conf.ID, mucDomain))
	f.gw.HandleIQ(iqError(conf.ID, occupant("g1", "mallory"), stanza.Forbidden))
	f.quiet(t)

	f.gw.HandleIQ(iqResult(conf.ID, "g1@"+mucDomain))
	subject := f.out.message(t)
	assert.Equal(t, "Chess", subject.Subject)

	c := await(t, ch)
	require.NoError(t, c.err)
	assert.Equal(t, "g1@"+mucDomain, c.info.Address)
	assert.Equal(t, room.Open, c.info.State)
}

func TestShutdownLeavesRoomsAndFailsPending(t *testing.T) {
	f := startGateway(t)
	f.openRoom(t, "g1")

	ch := f.createAsync("chess")
	f.out.iq(t)

	f.stop()

	leave := f.out.presence(t)
	assert.Equal(t, stanza.UnavailablePresence, leave.Type)
	assert.Equal(t, occupant("g1", "arbiter"), leave.To.String())

	c := await(t, ch)
	assert.ErrorIs(t, c.err, gateway.ErrStopped)

	_, err := f.gw.Sessions(context.Background())
	assert.ErrorIs(t, err, gateway.ErrStopped)
	_, err = f.gw.CreateSession(context.Background(), "chess")
	assert.ErrorIs(t, err, gateway.ErrStopped)
}

func TestRunTwiceFails(t *testing.T) {
	f := startGateway(t)
	assert.Error(t, f.gw.Run(context.Background()))
}

func TestRoutes(t *testing.T) {
	f := newGateway(t, memory.New())
	routes := f.gw.Routes()
	assert.Contains(t, routes, xmpp.Route{Type: stanza.NormalMessage, Payload: xml.Name{Space: nsGame, Local: "play"}})
	assert.Contains(t, routes, xmpp.Route{Type: stanza.ChatMessage, Payload: xml.Name{Space: nsGame, Local: "play"}})
	assert.Contains(t, routes, xmpp.Route{Type: stanza.GroupChatMessage, Payload: xml.Name{Space: nsChess, Local: "x"}})
	assert.Contains(t, routes, xmpp.Route{Type: stanza.ChatMessage, Payload: xml.Name{Space: nsChess, Local: "x"}})
	assert.Len(t, routes, 4)
}
