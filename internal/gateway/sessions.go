package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/room"
	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

// createSession allocates a room of type typeName on the chat service, joins
// it as the arbiter and configures it. done runs on the loop once, with the
// open room or the reason creation failed.
//
// Postcondition: On failure no room is left registered.
func (g *Gateway) createSession(typeName string, done func(*room.Room, error)) {
	t, ok := room.ParseSessionType(typeName)
	if !ok {
		done(nil, fmt.Errorf("%w: %q", ErrUnknownSessionType, typeName))
		return
	}
	r, err := room.New(t, g.roomDeps())
	if err != nil {
		done(nil, fmt.Errorf("%w: %w", ErrUnknownSessionType, err))
		return
	}
	if err := r.AwaitRoomID(); err != nil {
		done(nil, err)
		return
	}

	service, err := jid.New("", g.cfg.MUCDomain, "")
	if err != nil {
		done(nil, fmt.Errorf("%w: chat service %q: %w", ErrInfraAllocationFailed, g.cfg.MUCDomain, err))
		return
	}
	id := g.newID()
	send := func() error {
		return g.sender.Send(xmpp.UniqueRoomRequest(id, g.cfg.Component, service))
	}
	g.call(id, service, send, func(res *xmpp.IQ, err error) {
		if err != nil {
			done(nil, fmt.Errorf("%w: requesting room name: %w", ErrInfraAllocationFailed, err))
			return
		}
		addr, err := g.roomAddress(res)
		if err != nil {
			done(nil, fmt.Errorf("%w: %w", ErrInfraAllocationFailed, err))
			return
		}
		if _, taken := g.sessions[addr.Localpart()]; taken {
			done(nil, fmt.Errorf("%w: room %s already hosted", ErrInfraAllocationFailed, addr))
			return
		}
		if err := r.Bind(addr); err != nil {
			done(nil, fmt.Errorf("%w: %w", ErrInfraAllocationFailed, err))
			return
		}
		g.sessions[addr.Localpart()] = r
		if err := r.Join(); err != nil {
			g.retire(r)
			done(nil, fmt.Errorf("%w: %w", ErrInfraAllocationFailed, err))
			return
		}
		g.configure(r, done)
	})
}

var errMalformedUnique = errors.New("malformed room name response")

// roomAddress reads the allocated room from a muc#unique response. Servers
// answer with a bare name; a full room address is accepted as well.
func (g *Gateway) roomAddress(res *xmpp.IQ) (jid.JID, error) {
	if res.Type == stanza.ErrorIQ {
		return jid.JID{}, fmt.Errorf("room name refused: %s", res.ErrorCondition())
	}
	name, ok := xmpp.UniqueRoomName(res)
	if !ok {
		return jid.JID{}, errMalformedUnique
	}
	if strings.Contains(name, "@") {
		addr, err := jid.Parse(name)
		if err != nil {
			return jid.JID{}, fmt.Errorf("parsing room address %q: %w", name, err)
		}
		if addr.Domainpart() != g.cfg.MUCDomain || addr.Localpart() == "" {
			return jid.JID{}, fmt.Errorf("room address %q outside %s", name, g.cfg.MUCDomain)
		}
		return addr.Bare(), nil
	}
	addr, err := jid.New(name, g.cfg.MUCDomain, "")
	if err != nil {
		return jid.JID{}, fmt.Errorf("building room address from %q: %w", name, err)
	}
	return addr, nil
}

func (g *Gateway) configure(r *room.Room, done func(*room.Room, error)) {
	id := g.newID()
	addr := r.Identity().Address
	g.call(id, addr, func() error { return r.Configure(id) }, func(res *xmpp.IQ, err error) {
		if err == nil && res.Type != stanza.ResultIQ {
			err = fmt.Errorf("configuration refused: %s", res.ErrorCondition())
		}
		if err == nil {
			err = r.Opened(g.catalog.Name(r.Type()))
		}
		if err != nil {
			g.retire(r)
			done(nil, fmt.Errorf("%w: configuring %s: %w", ErrInfraAllocationFailed, addr, err))
			return
		}
		done(r, nil)
	})
}

// routeGroupEvent hands a message from inside a room to that room's session.
func (g *Gateway) routeGroupEvent(sender jid.JID, sessionID string, m *xmpp.Message) {
	r, ok := g.sessions[sessionID]
	if !ok {
		g.logger.Warn("message for unknown room", zap.String("room", sessionID), zap.String("from", sender.String()))
		return
	}
	switch m.Type {
	case stanza.GroupChatMessage:
		r.HandleGroupMessage(sender, m)
	case stanza.ChatMessage:
		r.HandlePrivateMessage(sender, m)
	default:
		g.logger.Debug("ignoring room message", zap.String("from", sender.String()), zap.String("type", string(m.Type)))
	}
}

// matchOrCreate invites requester to a joinable session of the requested
// type, creating one when none is available.
func (g *Gateway) matchOrCreate(requester jid.JID, typeName string) {
	t, ok := room.ParseSessionType(typeName)
	if !ok {
		g.logger.Warn("play request rejected",
			zap.String("from", requester.String()),
			zap.Error(fmt.Errorf("%w: %q", ErrUnknownSessionType, typeName)),
		)
		return
	}
	reason := g.catalog.Invitation(t)
	for _, r := range g.sessions {
		if r.Type() == t && r.Joinable() {
			_ = r.SendInvitation(requester, reason)
			return
		}
	}
	g.createSession(typeName, func(r *room.Room, err error) {
		if err != nil {
			g.logger.Error("creating session for play request",
				zap.String("from", requester.String()),
				zap.Error(err),
			)
			return
		}
		_ = r.SendInvitation(requester, reason)
	})
}

// membershipChanged forwards an occupant join or leave to its room. A leave
// that empties the roster retires the room.
func (g *Gateway) membershipChanged(sessionID string, participant jid.JID, joined bool) {
	r, ok := g.sessions[sessionID]
	if !ok {
		g.logger.Debug("presence for unknown room", zap.String("room", sessionID), zap.String("from", participant.String()))
		return
	}
	if joined {
		r.OccupantJoined(participant)
		return
	}
	if r.OccupantLeft(participant) {
		g.retire(r)
	}
}

// recoverOpenSessions rebuilds every unfinished stored session and rejoins
// its room. A session that cannot be rebuilt is skipped; one whose replay
// turns out decided is stored as finished and not rejoined.
func (g *Gateway) recoverOpenSessions(ctx context.Context) {
	recovered, skipped := 0, 0
	for snap, err := range g.store.FindOpen(ctx) {
		if errors.Is(err, storage.ErrCorruptSnapshot) {
			skipped++
			g.logger.Warn("skipping stored session",
				zap.Error(fmt.Errorf("%w: %w", ErrReplayInconsistency, err)),
			)
			continue
		}
		if err != nil {
			g.logger.Error("reading open sessions", zap.Error(err))
			break
		}
		r, err := g.restore(snap)
		if err != nil {
			skipped++
			g.logger.Warn("skipping stored session",
				zap.String("session", snap.ID.String()),
				zap.String("room", snap.Address),
				zap.Error(err),
			)
			continue
		}
		if r.State() == room.Finished {
			continue
		}
		g.sessions[r.Identity().Address.Localpart()] = r
		if err := r.Rejoin(); err != nil {
			g.logger.Warn("rejoining room", zap.String("room", snap.Address), zap.Error(err))
		}
		recovered++
	}
	g.logger.Info("session recovery complete", zap.Int("recovered", recovered), zap.Int("skipped", skipped))
}

func (g *Gateway) restore(snap storage.Snapshot) (*room.Room, error) {
	t, ok := room.ParseSessionType(snap.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSessionType, snap.Type)
	}
	r, err := room.Restore(snap, g.catalog.Name(t), g.roomDeps())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReplayInconsistency, err)
	}
	addr := r.Identity().Address
	if addr.Domainpart() != g.cfg.MUCDomain {
		return nil, fmt.Errorf("%w: room %s outside %s", ErrReplayInconsistency, addr, g.cfg.MUCDomain)
	}
	if _, taken := g.sessions[addr.Localpart()]; taken {
		return nil, fmt.Errorf("%w: room %s stored twice", ErrReplayInconsistency, addr)
	}
	return r, nil
}
