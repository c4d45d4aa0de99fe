// Package gateway owns the game sessions hosted by the component. Every
// inbound stanza, infrastructure response, timeout and API call is run on a
// single event loop, so rooms never need locks.
package gateway

import (
	"context"
	"encoding/xml"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/game/catalog"
	"github.com/cory-johannsen/gameroom/internal/room"
	"github.com/cory-johannsen/gameroom/internal/seating"
	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

var (
	// ErrUnknownSessionType is returned for a session type outside the registry.
	ErrUnknownSessionType = errors.New("unknown session type")
	// ErrInfraAllocationFailed is returned when the chat service could not
	// provide a configured room.
	ErrInfraAllocationFailed = errors.New("room allocation failed")
	// ErrReplayInconsistency marks a stored session whose move log cannot be replayed.
	ErrReplayInconsistency = errors.New("replay inconsistency")
	// ErrStopped is returned for work that was cut short by shutdown.
	ErrStopped = errors.New("gateway stopped")
)

// Config holds the gateway's addressing and queue settings.
type Config struct {
	// Component is the gateway's own address.
	Component jid.JID
	// MUCDomain is the multi-user chat service rooms are allocated on.
	MUCDomain string
	// AllocationTimeout bounds each infrastructure request.
	AllocationTimeout time.Duration
	// EventBuffer is the capacity of the event queue.
	EventBuffer int
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithSeats sets the random source used to assign seats.
func WithSeats(src seating.Source) Option {
	return func(g *Gateway) { g.seats = src }
}

// WithClock sets the time source stamped on snapshots.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithRequestIDs sets the generator for outbound request ids.
func WithRequestIDs(next func() string) Option {
	return func(g *Gateway) { g.newID = next }
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	ID      uuid.UUID
	Address string
	Type    room.SessionType
	State   room.State
	Roster  []string
}

func infoOf(r *room.Room) SessionInfo {
	roster := r.Roster()
	names := make([]string, len(roster))
	for i, occ := range roster {
		names[i] = occ.String()
	}
	return SessionInfo{
		ID:      r.ID(),
		Address: r.Identity().Address.String(),
		Type:    r.Type(),
		State:   r.State(),
		Roster:  names,
	}
}

// Gateway routes stanzas between the chat service and the sessions it hosts.
//
// Invariant: sessions, pending and every Room are touched only by the loop goroutine.
type Gateway struct {
	cfg       Config
	sender    xmpp.Sender
	store     storage.Store
	persister room.Persister
	catalog   *catalog.Catalog
	seats     seating.Source
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger

	events  chan func()
	ready   chan struct{}
	done    chan struct{}
	running atomic.Bool

	sessions map[string]*room.Room
	pending  map[string]*pendingRequest
}

// New creates a Gateway. sender carries every outbound stanza, store is read
// once at startup for recovery, and persister receives snapshots.
//
// Precondition: sender, store, persister, cat and logger must be non-nil;
// cfg.MUCDomain must be set.
// Postcondition: Zero AllocationTimeout selects 10s; EventBuffer <= 0 selects 256.
func New(cfg Config, sender xmpp.Sender, store storage.Store, persister room.Persister, cat *catalog.Catalog, logger *zap.Logger, opts ...Option) *Gateway {
	if cfg.AllocationTimeout <= 0 {
		cfg.AllocationTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	g := &Gateway{
		cfg:       cfg,
		sender:    sender,
		store:     store,
		persister: persister,
		catalog:   cat,
		seats:     seating.NewCryptoSource(),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger,
		events:    make(chan func(), cfg.EventBuffer),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		sessions:  make(map[string]*room.Room),
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run recovers stored sessions and then processes events until ctx is cancelled.
// On the way out every room is left and every outstanding request fails
// with ErrStopped.
//
// Postcondition: No event is handled before recovery has finished.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("gateway already running")
	}
	defer close(g.done)

	g.recoverOpenSessions(ctx)
	close(g.ready)
	g.logger.Info("gateway ready", zap.Int("sessions", len(g.sessions)))

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return nil
		case fn := <-g.events:
			fn()
		}
	}
}

// Ready is closed once startup recovery has finished.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

func (g *Gateway) shutdown() {
	g.failPending(ErrStopped)
	for _, r := range g.sessions {
		if err := r.Leave(); err != nil {
			g.logger.Warn("leaving room on shutdown", zap.Error(err))
		}
	}
	clear(g.sessions)
	g.logger.Info("gateway stopped")
}

// post queues fn for the loop. It is dropped once the loop has exited.
func (g *Gateway) post(fn func()) {
	select {
	case g.events <- fn:
	case <-g.done:
	}
}

// HandleMessage queues an inbound message.
func (g *Gateway) HandleMessage(m *xmpp.Message) {
	g.post(func() { g.handleMessage(m) })
}

// HandlePresence queues an inbound presence.
func (g *Gateway) HandlePresence(p *xmpp.Presence) {
	g.post(func() { g.handlePresence(p) })
}

// HandleIQ queues an inbound IQ.
func (g *Gateway) HandleIQ(iq *xmpp.IQ) {
	g.post(func() { g.handleIQ(iq) })
}

// CreateSession allocates, joins and configures a new room of type t and
// waits until it is open.
//
// Postcondition: Returns the open session, or an error wrapping
// ErrUnknownSessionType, ErrInfraAllocationFailed or ErrStopped.
func (g *Gateway) CreateSession(ctx context.Context, t string) (SessionInfo, error) {
	type result struct {
		info SessionInfo
		err  error
	}
	out := make(chan result, 1)
	g.post(func() {
		g.createSession(t, func(r *room.Room, err error) {
			if err != nil {
				out <- result{err: err}
				return
			}
			out <- result{info: infoOf(r)}
		})
	})
	select {
	case res := <-out:
		return res.info, res.err
	case <-g.done:
		return SessionInfo{}, ErrStopped
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	}
}

// Sessions returns the registered sessions ordered by address.
func (g *Gateway) Sessions(ctx context.Context) ([]SessionInfo, error) {
	out := make(chan []SessionInfo, 1)
	g.post(func() {
		infos := make([]SessionInfo, 0, len(g.sessions))
		for _, r := range g.sessions {
			infos = append(infos, infoOf(r))
		}
		slices.SortFunc(infos, func(a, b SessionInfo) int { return strings.Compare(a.Address, b.Address) })
		out <- infos
	})
	select {
	case infos := <-out:
		return infos, nil
	case <-g.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) roomDeps() room.Deps {
	return room.Deps{
		Component: g.cfg.Component,
		Sender:    g.sender,
		Persister: g.persister,
		Seats:     g.seats,
		Logger:    g.logger,
		Now:       g.now,
	}
}

// Routes lists the messages the gateway consumes: play requests and the
// command envelope of every session type.
func (g *Gateway) Routes() []xmpp.Route {
	play := xml.Name{Space: room.NSGame, Local: "play"}
	routes := []xmpp.Route{
		{Type: stanza.NormalMessage, Payload: play},
		{Type: stanza.ChatMessage, Payload: play},
	}
	for _, t := range room.Types() {
		envelope := xml.Name{Space: t.Namespace(), Local: "x"}
		routes = append(routes,
			xmpp.Route{Type: stanza.GroupChatMessage, Payload: envelope},
			xmpp.Route{Type: stanza.ChatMessage, Payload: envelope},
		)
	}
	return routes
}

func (g *Gateway) handleMessage(m *xmpp.Message) {
	from := m.From
	if m.Type == stanza.ErrorMessage {
		g.logger.Debug("ignoring error message", zap.Stringer("from", from))
		return
	}
	if from.Domainpart() == g.cfg.MUCDomain {
		g.routeGroupEvent(from, from.Localpart(), m)
		return
	}
	if play, ok := m.Extension(room.NSGame, "play"); ok {
		game, _ := play.Attr("game")
		g.matchOrCreate(from, game)
		return
	}
	g.logger.Debug("ignoring message", zap.Stringer("from", from), zap.String("type", string(m.Type)))
}

func (g *Gateway) handlePresence(p *xmpp.Presence) {
	from := p.From
	if from.Domainpart() != g.cfg.MUCDomain {
		g.logger.Debug("ignoring presence", zap.Stringer("from", from))
		return
	}
	if p.Type == stanza.ErrorPresence {
		g.logger.Warn("presence error from room",
			zap.Stringer("from", from),
			zap.String("condition", string(p.ErrorCondition())),
		)
		return
	}
	nick := from.Resourcepart()
	if nick == "" || nick == xmpp.ArbiterNick {
		return
	}
	switch p.Type {
	case stanza.AvailablePresence:
		g.membershipChanged(from.Localpart(), from, true)
	case stanza.UnavailablePresence:
		g.membershipChanged(from.Localpart(), from, false)
	default:
		g.logger.Debug("ignoring presence", zap.Stringer("from", from), zap.String("type", string(p.Type)))
	}
}

// handleIQ completes outstanding requests. Requests addressed to the
// component are answered by the connection before they get here.
func (g *Gateway) handleIQ(iq *xmpp.IQ) {
	switch iq.Type {
	case stanza.ResultIQ, stanza.ErrorIQ:
		if !g.resolve(iq.ID, iq, nil) {
			g.logger.Debug("unmatched response", zap.String("id", iq.ID), zap.Stringer("from", iq.From))
		}
	default:
		g.logger.Debug("ignoring iq", zap.String("id", iq.ID), zap.String("type", string(iq.Type)))
	}
}

// retire leaves r and removes it from the registry.
func (g *Gateway) retire(r *room.Room) {
	addr := r.Identity().Address
	if err := r.Leave(); err != nil {
		g.logger.Warn("leaving room", zap.String("room", addr.String()), zap.Error(err))
	}
	delete(g.sessions, addr.Localpart())
	g.logger.Info("room retired", zap.String("room", addr.String()), zap.String("session", r.ID().String()))
}
