package room

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/observability"
	"github.com/cory-johannsen/gameroom/internal/seating"
	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

// Persister accepts snapshots for asynchronous storage. Persist must not block.
type Persister interface {
	Persist(storage.Snapshot)
}

// Deps are the collaborators a room talks to.
type Deps struct {
	// Component is the gateway's own address, used as the sender of every stanza.
	Component jid.JID
	Sender    xmpp.Sender
	Persister Persister
	Seats     seating.Source
	Logger    *zap.Logger
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Seats == nil {
		d.Seats = seating.NewCryptoSource()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// handler is the rules side of a session type.
type handler interface {
	capacity() int
	started(r *Room)
	command(r *Room, from jid.JID, cmd Command) error
	left(r *Room, seat int)
	finished() bool
	winner() string
	log() []storage.Move
	replay(moves []storage.Move) error
}

func newHandler(t SessionType) (handler, error) {
	switch t {
	case TypeChess:
		return newChessHandler(), nil
	}
	return nil, fmt.Errorf("unknown session type %q", t)
}

// Room is one game session. It is not safe for concurrent use; the gateway
// drives every room from its event loop.
type Room struct {
	id        Identity
	state     State
	roster    []jid.JID
	seated    bool
	abandoned bool
	name      string
	updatedAt time.Time

	game   handler
	deps   Deps
	logger *zap.Logger
}

// New creates an unbound room of type t with a fresh persistence key.
//
// Postcondition: The room is in state Created, or an error is returned for
// an unknown type.
func New(t SessionType, deps Deps) (*Room, error) {
	game, err := newHandler(t)
	if err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	now := deps.Now()
	id := uuid.New()
	return &Room{
		id:        Identity{ID: id, Type: t, CreatedAt: now},
		state:     Created,
		name:      string(t),
		updatedAt: now,
		game:      game,
		deps:      deps,
		logger:    observability.ForSession(deps.Logger, id.String(), string(t)),
	}, nil
}

// Restore rebuilds a room from a snapshot by replaying its move log. name is
// the display name used for the room subject.
//
// Postcondition: The room is Finished when the replayed game is decided (and
// a corrected snapshot has been persisted), Active when the roster is full,
// and Open otherwise. Seats are never reshuffled.
func Restore(snap storage.Snapshot, name string, deps Deps) (*Room, error) {
	t, ok := ParseSessionType(snap.Type)
	if !ok {
		return nil, fmt.Errorf("unknown session type %q", snap.Type)
	}
	game, err := newHandler(t)
	if err != nil {
		return nil, err
	}
	address, err := jid.Parse(snap.Address)
	if err != nil {
		return nil, fmt.Errorf("parsing address %q: %w", snap.Address, err)
	}
	address = address.Bare()
	arbiter, err := address.WithResource(xmpp.ArbiterNick)
	if err != nil {
		return nil, fmt.Errorf("building arbiter address: %w", err)
	}

	roster := make([]jid.JID, 0, len(snap.Roster))
	for _, s := range snap.Roster {
		occ, err := jid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing occupant %q: %w", s, err)
		}
		if slices.ContainsFunc(roster, occ.Equal) {
			return nil, fmt.Errorf("duplicate occupant %q", s)
		}
		roster = append(roster, occ)
	}
	if len(roster) > game.capacity() {
		return nil, fmt.Errorf("roster of %d exceeds capacity %d", len(roster), game.capacity())
	}
	if err := game.replay(snap.Moves); err != nil {
		return nil, err
	}

	deps = deps.withDefaults()
	r := &Room{
		id: Identity{
			ID:        snap.ID,
			Address:   address,
			Arbiter:   arbiter,
			Type:      t,
			CreatedAt: snap.CreatedAt,
		},
		roster:    roster,
		seated:    len(roster) == game.capacity() || len(snap.Moves) > 0,
		name:      name,
		updatedAt: snap.UpdatedAt,
		game:      game,
		deps:      deps,
		logger: observability.ForSession(deps.Logger, snap.ID.String(), string(t)).
			With(zap.String("room", address.String())),
	}
	if r.name == "" {
		r.name = string(t)
	}

	switch {
	case game.finished():
		r.state = Finished
		r.logger.Info("replayed game is already decided", zap.String("winner", game.winner()))
		r.persist()
	case len(roster) == game.capacity():
		r.state = Active
	default:
		r.state = Open
	}
	return r, nil
}

// ID returns the persistence key.
func (r *Room) ID() uuid.UUID { return r.id.ID }

// Identity returns the session identity.
func (r *Room) Identity() Identity { return r.id }

// Type returns the session type.
func (r *Room) Type() SessionType { return r.id.Type }

// State returns the lifecycle state.
func (r *Room) State() State { return r.state }

// Capacity returns the number of seats.
func (r *Room) Capacity() int { return r.game.capacity() }

// Roster returns a copy of the participants in seat order.
func (r *Room) Roster() []jid.JID { return slices.Clone(r.roster) }

// Seat returns addr's index in the roster, or -1.
func (r *Room) Seat(addr jid.JID) int {
	return slices.IndexFunc(r.roster, addr.Equal)
}

// Joinable reports whether a new participant may take a seat.
func (r *Room) Joinable() bool {
	return r.state == Open && len(r.roster) < r.game.capacity()
}

// AwaitRoomID marks the room as waiting for the infrastructure to allocate a
// room name.
func (r *Room) AwaitRoomID() error {
	if r.state != Created {
		return fmt.Errorf("%w: await room id in %s", ErrWrongState, r.state)
	}
	r.state = AwaitingRoomID
	return nil
}

// Bind fixes the room's address. The arbiter address is derived from it.
//
// Precondition: The room is AwaitingRoomID and not yet bound.
func (r *Room) Bind(address jid.JID) error {
	if r.state != AwaitingRoomID || r.id.Address.String() != "" {
		return fmt.Errorf("%w: bind in %s", ErrWrongState, r.state)
	}
	address = address.Bare()
	arbiter, err := address.WithResource(xmpp.ArbiterNick)
	if err != nil {
		return fmt.Errorf("building arbiter address: %w", err)
	}
	r.id.Address = address
	r.id.Arbiter = arbiter
	r.logger = r.logger.With(zap.String("room", address.String()))
	return nil
}

// Join sends the arbiter's join presence.
//
// Precondition: The room is bound and AwaitingRoomID.
// Postcondition: The room is JoiningInfra, or the send error is returned.
func (r *Room) Join() error {
	if r.state != AwaitingRoomID || r.id.Address.String() == "" {
		return fmt.Errorf("%w: join in %s", ErrWrongState, r.state)
	}
	if err := r.send("join", xmpp.JoinPresence(r.deps.Component, r.id.Arbiter)); err != nil {
		return fmt.Errorf("joining %s: %w", r.id.Address, err)
	}
	r.state = JoiningInfra
	return nil
}

// Rejoin re-sends the join presence of a restored room without changing state.
func (r *Room) Rejoin() error {
	if err := r.send("join", xmpp.JoinPresence(r.deps.Component, r.id.Arbiter)); err != nil {
		return fmt.Errorf("rejoining %s: %w", r.id.Address, err)
	}
	return nil
}

// Configure sends the owner configuration request with id iqID.
//
// Postcondition: The room is Configuring, or the send error is returned.
func (r *Room) Configure(iqID string) error {
	if r.state != JoiningInfra {
		return fmt.Errorf("%w: configure in %s", ErrWrongState, r.state)
	}
	req, err := xmpp.ConfigureRoomRequest(iqID, r.deps.Component, r.id.Address)
	if err != nil {
		return fmt.Errorf("configuring %s: %w", r.id.Address, err)
	}
	if err := r.send("configure", req); err != nil {
		return fmt.Errorf("configuring %s: %w", r.id.Address, err)
	}
	r.state = Configuring
	return nil
}

// Opened records the configuration acknowledgement, sets the subject to
// name, and starts accepting participants.
func (r *Room) Opened(name string) error {
	if r.state != Configuring {
		return fmt.Errorf("%w: open in %s", ErrWrongState, r.state)
	}
	if name != "" {
		r.name = name
	}
	r.state = Open
	r.setSubject(r.name)
	r.logger.Info("room open")
	return nil
}

// Leave sends the arbiter's leave presence and closes the room.
func (r *Room) Leave() error {
	r.state = Closed
	if r.id.Address.String() == "" {
		return nil
	}
	if err := r.send("leave", xmpp.LeavePresence(r.deps.Component, r.id.Arbiter)); err != nil {
		return fmt.Errorf("leaving %s: %w", r.id.Address, err)
	}
	return nil
}

// OccupantJoined seats addr when the room is joinable and addr is not
// already seated. The join that fills the room shuffles the seats once and
// starts the game.
func (r *Room) OccupantJoined(addr jid.JID) {
	if !r.Joinable() || r.Seat(addr) >= 0 {
		r.logger.Debug("ignoring join",
			zap.String("occupant", addr.String()),
			zap.Stringer("state", r.state),
			zap.Int("roster", len(r.roster)),
		)
		return
	}
	r.roster = append(r.roster, addr)
	r.logger.Info("occupant joined", zap.String("occupant", addr.String()), zap.Int("roster", len(r.roster)))

	if len(r.roster) == r.game.capacity() {
		if !r.seated {
			seating.Shuffle(r.deps.Seats, r.roster)
			r.seated = true
		}
		r.state = Active
		r.game.started(r)
	}
	r.persist()
}

// OccupantLeft removes addr from the roster. Leaving a full, undecided game
// forfeits it to the remaining seat. A roster that empties before the game is
// decided marks the session abandoned.
//
// Postcondition: Returns true when addr was seated and the roster is now empty.
func (r *Room) OccupantLeft(addr jid.JID) bool {
	seat := r.Seat(addr)
	if seat < 0 {
		return false
	}
	if r.state == Active && !r.game.finished() && len(r.roster) == r.game.capacity() {
		r.game.left(r, seat)
		r.finish()
	}
	r.roster = slices.Delete(r.roster, seat, seat+1)
	if len(r.roster) == 0 && !r.game.finished() {
		r.abandoned = true
	}
	r.logger.Info("occupant left", zap.String("occupant", addr.String()), zap.Int("roster", len(r.roster)))
	r.persist()
	return len(r.roster) == 0
}

// HandleGroupMessage receives a message broadcast in the room. Echoes of the
// arbiter's own broadcasts are dropped; other chatter is not interpreted.
func (r *Room) HandleGroupMessage(from jid.JID, m *xmpp.Message) {
	if from.Equal(r.id.Arbiter) {
		return
	}
	r.logger.Debug("ignoring group message", zap.String("from", from.String()))
}

// HandlePrivateMessage runs the command carried by a direct message from a
// participant. Rejected commands are answered with an error status.
func (r *Room) HandlePrivateMessage(from jid.JID, m *xmpp.Message) {
	cmd, ok := ParseCommand(m, r.id.Type.Namespace())
	if !ok {
		r.logger.Debug("ignoring message without command", zap.String("from", from.String()))
		return
	}
	if cmd.Name == "ping" {
		r.Reply(from, xmpp.NewElement("", "pong"))
		return
	}
	if err := r.game.command(r, from, cmd); err != nil {
		status := Status(err)
		r.logger.Debug("command rejected",
			zap.String("from", from.String()),
			zap.String("command", cmd.Name),
			zap.String("status", status),
			zap.Error(err),
		)
		r.Reply(from, xmpp.NewElement("", "error", "status", status))
	}
}

var statuses = []error{ErrGameNotStarted, ErrGameFinished, ErrWrongTurn, ErrInvalidPosition, ErrIllegalMove}

// Status returns the protocol status for a command error.
func Status(err error) string {
	for _, s := range statuses {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal-error"
}

// SendInvitation invites invitee through the room.
func (r *Room) SendInvitation(invitee jid.JID, reason string) error {
	invite, err := xmpp.Invitation(r.deps.Component, r.id.Address, invitee, reason)
	if err != nil {
		return fmt.Errorf("inviting %s: %w", invitee, err)
	}
	if err := r.send("invitation", invite); err != nil {
		return fmt.Errorf("inviting %s: %w", invitee, err)
	}
	r.logger.Info("invitation sent", zap.String("invitee", invitee.String()))
	return nil
}

// Broadcast sends an envelope holding children to every occupant. A failed
// send is logged; game state does not depend on delivery.
func (r *Room) Broadcast(children ...xmpp.Element) {
	r.send("broadcast", &xmpp.Message{
		Message:    stanza.Message{Type: stanza.GroupChatMessage, From: r.deps.Component, To: r.id.Address},
		Extensions: []xmpp.Element{r.envelope(children...)},
	})
}

// Reply sends an envelope holding children to a single occupant. A failed
// send is logged.
func (r *Room) Reply(to jid.JID, children ...xmpp.Element) {
	r.send("reply", &xmpp.Message{
		Message:    stanza.Message{Type: stanza.ChatMessage, From: r.deps.Component, To: to},
		Extensions: []xmpp.Element{r.envelope(children...)},
	})
}

func (r *Room) envelope(children ...xmpp.Element) xmpp.Element {
	return xmpp.NewElement(r.id.Type.Namespace(), "x").With(children...)
}

// send hands v to the sender. kind names the stanza in the error log.
func (r *Room) send(kind string, v xmlstream.Marshaler) error {
	if err := r.deps.Sender.Send(v); err != nil {
		r.logger.Error("sending stanza",
			zap.String("stanza", kind),
			zap.Stringer("state", r.state),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (r *Room) setSubject(subject string) {
	r.send("subject", xmpp.SubjectMessage(r.deps.Component, r.id.Address, subject))
}

// finish moves a decided game to Finished and announces the result in the subject.
func (r *Room) finish() {
	r.state = Finished
	switch w := r.game.winner(); w {
	case "":
		r.setSubject(r.name)
	case "tie":
		r.setSubject(r.name + " (draw)")
	default:
		r.setSubject(r.name + " (" + w + " wins)")
	}
	r.logger.Info("game finished", zap.String("winner", r.game.winner()))
}

// Snapshot returns the persistable state of the room.
func (r *Room) Snapshot() storage.Snapshot {
	roster := make([]string, len(r.roster))
	for i, occ := range r.roster {
		roster[i] = occ.String()
	}
	return storage.Snapshot{
		ID:        r.id.ID,
		Address:   r.id.Address.String(),
		Type:      string(r.id.Type),
		CreatedAt: r.id.CreatedAt,
		UpdatedAt: r.updatedAt,
		Roster:    roster,
		Finished:  r.game.finished() || r.abandoned,
		Winner:    r.game.winner(),
		Moves:     r.game.log(),
	}
}

func (r *Room) persist() {
	r.updatedAt = r.deps.Now()
	if r.deps.Persister != nil {
		r.deps.Persister.Persist(r.Snapshot())
	}
}
