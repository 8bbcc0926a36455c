package rules

import (
	"errors"
	"strings"
	"testing"
)

func TestApplyUCIAndSAN(t *testing.T) {
	b, err := NewBoard("")
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	uci, san, err := b.Apply("e2e4")
	if err != nil {
		t.Fatalf("Apply e2e4: %v", err)
	}
	if uci != "e2e4" || san != "e4" {
		t.Fatalf("unexpected spellings: uci=%q san=%q", uci, san)
	}
	if b.Turn() != "black" {
		t.Fatalf("turn not flipped: %s", b.Turn())
	}
	// SAN fallback
	if _, _, err := b.Apply("Nf6"); err != nil {
		t.Fatalf("Apply SAN Nf6: %v", err)
	}
}

func TestApplyIllegalMove(t *testing.T) {
	b, _ := NewBoard("")
	if _, _, err := b.Apply("e2e5"); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if _, _, err := b.Apply(""); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove for empty move, got %v", err)
	}
	// Rejection must leave the board untouched.
	if b.Turn() != "white" {
		t.Fatalf("illegal move mutated the board")
	}
}

func TestScholarsMateOutcome(t *testing.T) {
	b, _ := NewBoard("")
	for _, mv := range []string{"e2e4", "e7e5", "d1h5", "b8c6", "f1c4", "g8f6", "h5f7"} {
		if _, _, err := b.Apply(mv); err != nil {
			t.Fatalf("Apply %s: %v", mv, err)
		}
	}
	result, reason, over := b.Outcome()
	if !over || result != "white" || reason != "checkmate" {
		t.Fatalf("expected white checkmate, got result=%q reason=%q over=%v", result, reason, over)
	}
}

func TestReplayRebuildsPosition(t *testing.T) {
	moves := []string{"e2e4", "c7c5", "g1f3"}
	b, err := Replay("", moves)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if b.Turn() != "black" {
		t.Fatalf("turn after replay: %s", b.Turn())
	}
	if _, err := Replay("", []string{"e2e4", "e2e4"}); err == nil {
		t.Fatalf("expected replay failure on illegal sequence")
	}
}

func TestInsufficientMaterial(t *testing.T) {
	// Lone king vs king and queen.
	b, err := NewBoard("8/8/8/4k3/8/8/4Q3/4K3 w - - 0 1")
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	if !b.InsufficientMaterial("black") {
		t.Fatalf("lone king should be insufficient")
	}
	if b.InsufficientMaterial("white") {
		t.Fatalf("queen side should be sufficient")
	}

	// King and bishop cannot force mate.
	kb, err := NewBoard("8/8/8/4k3/8/8/4B3/4K3 w - - 0 1")
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	if !kb.InsufficientMaterial("white") {
		t.Fatalf("king+bishop should be insufficient")
	}
}

func TestStartFENStandardIndex(t *testing.T) {
	fen, err := StartFEN(StandardIndex)
	if err != nil {
		t.Fatalf("StartFEN: %v", err)
	}
	if !strings.HasPrefix(fen, "rnbqkbnr/") || !strings.Contains(fen, "KQkq") {
		t.Fatalf("index 518 should be the classical array: %s", fen)
	}
}

func TestStartFENProperties(t *testing.T) {
	seen := map[string]bool{}
	for idx := 0; idx < 960; idx++ {
		fen, err := StartFEN(idx)
		if err != nil {
			t.Fatalf("StartFEN(%d): %v", idx, err)
		}
		rank := strings.SplitN(fen, "/", 2)[0]
		if len(rank) != 8 {
			t.Fatalf("StartFEN(%d): bad rank %q", idx, rank)
		}
		// King between the rooks.
		k := strings.IndexByte(rank, 'k')
		r1 := strings.IndexByte(rank, 'r')
		r2 := strings.LastIndexByte(rank, 'r')
		if !(r1 < k && k < r2) {
			t.Fatalf("StartFEN(%d): king not between rooks: %q", idx, rank)
		}
		// Opposite-colored bishops.
		b1 := strings.IndexByte(rank, 'b')
		b2 := strings.LastIndexByte(rank, 'b')
		if b1%2 == b2%2 {
			t.Fatalf("StartFEN(%d): bishops on same color: %q", idx, rank)
		}
		// Every setup must be a legal start position for the validator.
		if _, err := NewBoard(fen); err != nil {
			t.Fatalf("StartFEN(%d): validator rejects %q: %v", idx, fen, err)
		}
		seen[rank] = true
	}
	if len(seen) != 960 {
		t.Fatalf("expected 960 distinct setups, got %d", len(seen))
	}
}

func TestStartFENRange(t *testing.T) {
	if _, err := StartFEN(-1); err == nil {
		t.Fatalf("expected range error")
	}
	if _, err := StartFEN(960); err == nil {
		t.Fatalf("expected range error")
	}
}
