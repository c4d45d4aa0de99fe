package room

import (
	"slices"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/cory-johannsen/gameroom/internal/game/chess"
	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

// chessHandler plays chess over the command envelope. Seat 0 is white.
type chessHandler struct {
	game  *chess.Game
	moves []storage.Move
	// forfeit holds the result of a game decided by a player leaving.
	forfeit chess.Outcome
}

func newChessHandler() *chessHandler {
	return &chessHandler{game: chess.NewGame()}
}

func (h *chessHandler) capacity() int {
	return h.game.SeatCount()
}

func (h *chessHandler) outcome() chess.Outcome {
	if h.forfeit != chess.Undecided {
		return h.forfeit
	}
	return h.game.Outcome()
}

func (h *chessHandler) finished() bool {
	return h.outcome() != chess.Undecided
}

func (h *chessHandler) winner() string {
	return h.outcome().String()
}

func (h *chessHandler) log() []storage.Move {
	return slices.Clone(h.moves)
}

func (h *chessHandler) started(r *Room) {
	for seat, occ := range r.roster {
		r.Reply(occ, xmpp.NewElement("", "start", "color", chess.SeatColor(seat).String()))
	}
}

func (h *chessHandler) left(r *Room, seat int) {
	winner := chess.SeatColor(seat).Other()
	h.forfeit = chess.WinFor(winner)
	r.Broadcast(xmpp.NewElement("", "winner", "color", winner.String()))
}

func (h *chessHandler) command(r *Room, from jid.JID, cmd Command) error {
	switch cmd.Name {
	case "move":
		return h.move(r, from, cmd)
	case "board":
		r.Reply(from, xmpp.NewElement("", "board", "fen", h.game.FEN()))
		return nil
	default:
		r.logger.Debug("ignoring unknown command", zap.String("command", cmd.Name))
		return nil
	}
}

// move validates in order: seats filled, game undecided, sender on turn,
// coordinates well formed, move legal.
func (h *chessHandler) move(r *Room, from jid.JID, cmd Command) error {
	if len(r.roster) < h.capacity() {
		return ErrGameNotStarted
	}
	if h.finished() {
		return ErrGameFinished
	}
	seat := r.Seat(from)
	if seat < 0 || chess.SeatColor(seat) != h.game.CurrentTurn() {
		return ErrWrongTurn
	}
	fromArg, _ := cmd.Arg("from")
	toArg, _ := cmd.Arg("to")
	src, err := chess.ParseSquare(fromArg)
	if err != nil {
		return err
	}
	dst, err := chess.ParseSquare(toArg)
	if err != nil {
		return err
	}
	promotion, _ := cmd.Arg("promotion")
	m, err := h.game.ApplyMove(src, dst, promotion)
	if err != nil {
		return err
	}
	h.moves = append(h.moves, storage.Move{From: string(m.From), To: string(m.To), Promotion: m.Promotion})

	attrs := []string{"from", string(m.From), "to", string(m.To)}
	if m.Promotion != "" {
		attrs = append(attrs, "promotion", m.Promotion)
	}
	events := []xmpp.Element{xmpp.NewElement("", "move", attrs...)}
	outcome := h.game.Outcome()
	if c, ok := outcome.Winner(); ok {
		events = append(events, xmpp.NewElement("", "winner", "color", c.String()))
	} else if outcome == chess.Draw {
		events = append(events, xmpp.NewElement("", "draw"))
	}
	r.Broadcast(events...)

	if h.finished() {
		r.finish()
	}
	r.persist()
	return nil
}

func (h *chessHandler) replay(moves []storage.Move) error {
	log := make([]chess.Move, len(moves))
	for i, m := range moves {
		log[i] = chess.Move{From: chess.Square(m.From), To: chess.Square(m.To), Promotion: m.Promotion}
	}
	g, err := chess.Replay(log)
	if err != nil {
		return err
	}
	h.game = g
	h.moves = slices.Clone(moves)
	return nil
}
