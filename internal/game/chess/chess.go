// Package chess adapts a standard chess rules engine to the turn-based game
// interface used by game rooms.
package chess

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	nchess "github.com/notnil/chess"
)

var (
	// ErrInvalidPosition is returned when a coordinate is not a board square.
	ErrInvalidPosition = errors.New("invalid-position")
	// ErrIllegalMove is returned when the rules reject a move.
	ErrIllegalMove = errors.New("invalid-movement")
)

// Seats is the number of players in a chess game.
const Seats = 2

// Color is the side a seat plays.
type Color int

const (
	White Color = iota
	Black
)

// String returns "white" or "black".
func (c Color) String() string {
	if c == Black {
		return "black"
	}
	return "white"
}

// Other returns the opposing color.
func (c Color) Other() Color {
	if c == Black {
		return White
	}
	return Black
}

// SeatColor returns the color played by seat index i.
//
// Precondition: 0 <= i < Seats.
func SeatColor(i int) Color {
	return Color(i)
}

var squarePattern = regexp.MustCompile(`^[a-h][1-8]$`)

// Square is a board coordinate such as "e4".
type Square string

// ParseSquare validates s as a board coordinate.
//
// Postcondition: Returns ErrInvalidPosition unless s matches [a-h][1-8].
func ParseSquare(s string) (Square, error) {
	if !squarePattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}
	return Square(s), nil
}

// Move is a move accepted by the rules. Promotion is the lowercase piece
// letter a pawn promoted to, or empty.
type Move struct {
	From      Square
	To        Square
	Promotion string
}

// Outcome is the result of a game.
type Outcome int

const (
	Undecided Outcome = iota
	WhiteWins
	BlackWins
	Draw
)

// String returns the persisted winner form: "white", "black", "tie", or ""
// while undecided.
func (o Outcome) String() string {
	switch o {
	case WhiteWins:
		return "white"
	case BlackWins:
		return "black"
	case Draw:
		return "tie"
	default:
		return ""
	}
}

// Winner returns the winning color when the outcome is a win.
func (o Outcome) Winner() (Color, bool) {
	switch o {
	case WhiteWins:
		return White, true
	case BlackWins:
		return Black, true
	default:
		return White, false
	}
}

// WinFor returns the outcome awarding the game to c.
func WinFor(c Color) Outcome {
	if c == Black {
		return BlackWins
	}
	return WhiteWins
}

// Game is a chess game in progress. It is not safe for concurrent use.
type Game struct {
	g *nchess.Game
}

// NewGame returns a game at the standard starting position.
func NewGame() *Game {
	return &Game{g: nchess.NewGame(nchess.UseNotation(nchess.UCINotation{}))}
}

// SeatCount returns the number of seats.
func (g *Game) SeatCount() int {
	return Seats
}

// CurrentTurn returns the color to move.
func (g *Game) CurrentTurn() Color {
	if g.g.Position().Turn() == nchess.Black {
		return Black
	}
	return White
}

// ApplyMove plays from→to for the side to move. A pawn reaching the last rank
// promotes to promotion ("q", "r", "b" or "n"), or to a queen when promotion
// is empty.
//
// Precondition: from and to are valid squares (see ParseSquare).
// Postcondition: On success the turn passes to the other color; on error the
// game is unchanged and the error wraps ErrIllegalMove.
func (g *Game) ApplyMove(from, to Square, promotion string) (Move, error) {
	if g.IsFinished() {
		return Move{}, fmt.Errorf("%w: game is over", ErrIllegalMove)
	}
	promotion = strings.ToLower(promotion)
	switch promotion {
	case "", "q", "r", "b", "n":
	default:
		return Move{}, fmt.Errorf("%w: unknown promotion %q", ErrIllegalMove, promotion)
	}

	uci := string(from) + string(to)
	if promotion != "" {
		if err := g.g.MoveStr(uci + promotion); err == nil {
			return Move{From: from, To: to, Promotion: promotion}, nil
		}
		// A promotion letter on a non-promoting move is tolerated.
	}
	if err := g.g.MoveStr(uci); err == nil {
		return Move{From: from, To: to}, nil
	}
	if err := g.g.MoveStr(uci + "q"); err == nil {
		return Move{From: from, To: to, Promotion: "q"}, nil
	}
	return Move{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
}

// IsFinished reports whether the game has an outcome.
func (g *Game) IsFinished() bool {
	return g.g.Outcome() != nchess.NoOutcome
}

// Outcome returns the game result.
func (g *Game) Outcome() Outcome {
	switch g.g.Outcome() {
	case nchess.WhiteWon:
		return WhiteWins
	case nchess.BlackWon:
		return BlackWins
	case nchess.Draw:
		return Draw
	default:
		return Undecided
	}
}

// FEN returns the current position in Forsyth-Edwards notation.
func (g *Game) FEN() string {
	return g.g.FEN()
}

// Replay builds a game by applying moves in order.
//
// Postcondition: Returns the first rejection, wrapped with the move's index.
func Replay(moves []Move) (*Game, error) {
	g := NewGame()
	for i, m := range moves {
		if _, err := ParseSquare(string(m.From)); err != nil {
			return nil, fmt.Errorf("move %d: %w", i, err)
		}
		if _, err := ParseSquare(string(m.To)); err != nil {
			return nil, fmt.Errorf("move %d: %w", i, err)
		}
		if _, err := g.ApplyMove(m.From, m.To, m.Promotion); err != nil {
			return nil, fmt.Errorf("move %d: %w", i, err)
		}
	}
	return g, nil
}
