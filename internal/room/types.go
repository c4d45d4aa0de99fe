// Package room implements one game session hosted in a multi-user chat room:
// its lifecycle, its roster and seats, and the command sub-protocol players
// use to play.
package room

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/cory-johannsen/gameroom/internal/game/chess"
)

// NSGame is the namespace of matchmaking requests.
const NSGame = "urn:xmpp:gamepfc"

// Command errors. Their text is the status reported to the player.
var (
	ErrGameNotStarted  = errors.New("not-started")
	ErrGameFinished    = errors.New("finished")
	ErrWrongTurn       = errors.New("invalid-turn")
	ErrInvalidPosition = chess.ErrInvalidPosition
	ErrIllegalMove     = chess.ErrIllegalMove
)

// ErrWrongState is returned when a lifecycle step is taken out of order.
var ErrWrongState = errors.New("room: wrong state")

// SessionType tags the game a session hosts.
type SessionType string

// TypeChess is the only hosted game.
const TypeChess SessionType = "chess"

// ParseSessionType returns the SessionType named s.
//
// Postcondition: ok is false for any name outside the closed set of types.
func ParseSessionType(s string) (SessionType, bool) {
	switch SessionType(s) {
	case TypeChess:
		return TypeChess, true
	}
	return "", false
}

// Types returns every known session type.
func Types() []SessionType {
	return []SessionType{TypeChess}
}

// Namespace returns the command envelope namespace for t.
func (t SessionType) Namespace() string {
	return NSGame + ":" + string(t)
}

// State is a room's lifecycle position.
type State int

const (
	Created State = iota
	AwaitingRoomID
	JoiningInfra
	Configuring
	Open
	Active
	Finished
	Closed
)

var stateNames = [...]string{
	Created:        "created",
	AwaitingRoomID: "awaiting-room-id",
	JoiningInfra:   "joining",
	Configuring:    "configuring",
	Open:           "open",
	Active:         "active",
	Finished:       "finished",
	Closed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Identity names a session. Address and Arbiter are zero until the room is bound.
type Identity struct {
	ID        uuid.UUID
	Address   jid.JID
	Arbiter   jid.JID
	Type      SessionType
	CreatedAt time.Time
}
