package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var ErrIllegalMove = errors.New("illegal move")

// Board wraps the external move-validation library behind the small surface
// the session engine needs: apply a move, read the turn, detect the outcome.
type Board struct {
	g *nchess.Game
}

// NewBoard builds a board from a start FEN; empty means the standard array.
func NewBoard(startFEN string) (*Board, error) {
	if strings.TrimSpace(startFEN) == "" {
		return &Board{g: nchess.NewGame()}, nil
	}
	opt, err := nchess.FEN(startFEN)
	if err != nil {
		return nil, fmt.Errorf("start fen: %w", err)
	}
	return &Board{g: nchess.NewGame(opt)}, nil
}

// Replay rebuilds a board from a start FEN and a UCI move list.
func Replay(startFEN string, movesUCI []string) (*Board, error) {
	b, err := NewBoard(startFEN)
	if err != nil {
		return nil, err
	}
	for _, mv := range movesUCI {
		if _, _, err := b.Apply(mv); err != nil {
			return nil, fmt.Errorf("replay %q: %w", mv, err)
		}
	}
	return b, nil
}

// Apply validates and plays one move. UCI is preferred, SAN accepted as a
// fallback. Returns the canonical UCI and SAN spellings of the move.
func (b *Board) Apply(move string) (uci, san string, err error) {
	raw := strings.TrimSpace(move)
	if raw == "" {
		return "", "", ErrIllegalMove
	}
	pos := b.g.Position()
	if perr := b.g.PushNotationMove(strings.ToLower(raw), nchess.UCINotation{}, nil); perr != nil {
		if serr := b.g.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); serr != nil {
			return "", "", ErrIllegalMove
		}
	}
	last := lastMove(b.g)
	if last == nil {
		return "", "", ErrIllegalMove
	}
	return last.String(), nchess.AlgebraicNotation{}.Encode(pos, last), nil
}

func lastMove(g *nchess.Game) *nchess.Move {
	moves := g.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

// Turn reports the side to move as "white" or "black".
func (b *Board) Turn() string {
	if b.g.Position().Turn() == nchess.White {
		return "white"
	}
	return "black"
}

// FEN is the current position for snapshots.
func (b *Board) FEN() string { return b.g.FEN() }

// Outcome reports whether the game has ended by rule, with the winner
// ("white"/"black"/"draw") and the reason.
func (b *Board) Outcome() (result, reason string, over bool) {
	switch b.g.Outcome() {
	case nchess.WhiteWon:
		result = "white"
	case nchess.BlackWon:
		result = "black"
	case nchess.Draw:
		result = "draw"
	default:
		return "", "", false
	}
	switch b.g.Method() {
	case nchess.Checkmate:
		reason = "checkmate"
	case nchess.Stalemate:
		reason = "stalemate"
	default:
		reason = "rule"
	}
	return result, reason, true
}

// InsufficientMaterial reports whether the given side ("white"/"black") lacks
// mating material. Used for the drawn-by-flag rule: a flag fall is a draw
// when the opponent cannot possibly deliver mate.
func (b *Board) InsufficientMaterial(side string) bool {
	color := nchess.White
	if side == "black" {
		color = nchess.Black
	}
	minors := 0
	for _, piece := range b.g.Position().Board().SquareMap() {
		if piece.Color() != color {
			continue
		}
		switch piece.Type() {
		case nchess.King:
		case nchess.Bishop, nchess.Knight:
			minors++
		default:
			// Pawn, rook, or queen can always mate with help.
			return false
		}
	}
	return minors <= 1
}
