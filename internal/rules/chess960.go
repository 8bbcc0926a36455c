package rules

import (
	"fmt"
	"strings"
)

// StandardIndex is the Chess960 setup number of the classical start array.
const StandardIndex = 518

// knight placements for the final step of the Scharnagl numbering: positions
// among the five squares left after bishops and queen are placed.
var knightPairs = [10][2]int{
	{0, 1}, {0, 2}, {0, 3}, {0, 4},
	{1, 2}, {1, 3}, {1, 4},
	{2, 3}, {2, 4},
	{3, 4},
}

// StartFEN derives the starting position for a Chess960 setup index in
// [0, 959] using the Scharnagl numbering. Index 518 yields the classical
// array with full castling rights; all other setups disable castling because
// the validation library speaks standard-chess castling only.
//
// TODO: emit Shredder-FEN castling fields (rook files instead of KQkq) once
// corentings/chess accepts them, so non-518 setups keep castling.
func StartFEN(index int) (string, error) {
	if index < 0 || index > 959 {
		return "", fmt.Errorf("chess960 index out of range: %d", index)
	}
	if index == StandardIndex {
		return "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1", nil
	}

	var rank [8]byte

	n, b1 := index/4, index%4
	rank[2*b1+1] = 'b' // light-square bishop: b, d, f, h
	n, b2 := n/4, n%4
	rank[2*b2] = 'b' // dark-square bishop: a, c, e, g

	n, q := n/6, n%6
	placeNth(&rank, q, 'q')

	pair := knightPairs[n]
	// The two knights land on the pair-th free squares; place the higher
	// offset first so the first placement does not shift the second.
	placeNth(&rank, pair[1], 'n')
	placeNth(&rank, pair[0], 'n')

	// Remaining free squares get rook, king, rook left to right.
	placeNth(&rank, 0, 'r')
	placeNth(&rank, 0, 'k')
	placeNth(&rank, 0, 'r')

	black := string(rank[:])
	white := strings.ToUpper(black)
	return fmt.Sprintf("%s/pppppppp/8/8/8/8/PPPPPPPP/%s w - - 0 1", black, white), nil
}

// placeNth puts piece on the nth (0-based) empty square of the rank.
func placeNth(rank *[8]byte, nth int, piece byte) {
	for i := 0; i < 8; i++ {
		if rank[i] != 0 {
			continue
		}
		if nth == 0 {
			rank[i] = piece
			return
		}
		nth--
	}
}
