package game

import (
	"time"

	"github.com/castlegate/arena/internal/rules"
)

// session is one live game. All fields are guarded by the engine mutex.
type session struct {
	id           string
	white, black PlayerInfo
	tc           TimeControl
	variantIndex int
	startFEN     string
	source       string

	board *rules.Board

	status Status
	result string
	reason string

	seq      int // accepted moves so far
	movesUCI []string
	movesSAN []string

	whiteMs int64
	blackMs int64

	// turnStartedAt anchors the running clock. Both clocks are logically
	// paused until each side's first move; a side is only charged once it
	// has moved before (seq >= 2 at the moment of moving).
	turnStartedAt time.Time
	lastActivity  time.Time

	pendingDeadline time.Time
	confirmed       map[string]bool

	drawOfferFrom string
	spectators    map[string]bool

	countedStart bool
	createdAt    time.Time
	startedAt    time.Time
}

func (s *session) playerSide(identityID string) (side string, ok bool) {
	switch identityID {
	case s.white.ID:
		return "white", true
	case s.black.ID:
		return "black", true
	}
	return "", false
}

func (s *session) opponentOf(identityID string) PlayerInfo {
	if identityID == s.white.ID {
		return s.black
	}
	return s.white
}

// clockRunning reports whether the side to move is on a live clock. Each
// side's first move is untimed.
func (s *session) clockRunning() bool {
	return s.status == StatusInProgress && s.seq >= 2
}

// remainingMs reads both clocks as of now, charging the running side lazily.
// State is not mutated; the books are settled when a move is accepted or the
// flag is confirmed fallen.
func (s *session) remainingMs(now time.Time) (whiteMs, blackMs int64) {
	whiteMs, blackMs = s.whiteMs, s.blackMs
	if !s.clockRunning() {
		return whiteMs, blackMs
	}
	elapsed := now.Sub(s.turnStartedAt).Milliseconds()
	if elapsed <= 0 {
		return whiteMs, blackMs
	}
	if s.board.Turn() == "white" {
		whiteMs -= elapsed
	} else {
		blackMs -= elapsed
	}
	return whiteMs, blackMs
}

// flagFallen reports whether the side to move has run out of time as of now.
func (s *session) flagFallen(now time.Time) bool {
	if !s.clockRunning() {
		return false
	}
	w, b := s.remainingMs(now)
	if s.board.Turn() == "white" {
		return w <= 0
	}
	return b <= 0
}

// settleClock charges the mover's clock for the turn that just ended and adds
// the increment. Must only be called after the move was validated and the
// flag checked.
func (s *session) settleClock(now time.Time, moverSide string) {
	if s.seq >= 2 {
		elapsed := now.Sub(s.turnStartedAt).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
		if moverSide == "white" {
			s.whiteMs -= elapsed
			s.whiteMs += s.tc.IncrementMs
		} else {
			s.blackMs -= elapsed
			s.blackMs += s.tc.IncrementMs
		}
	}
	s.turnStartedAt = now
	s.lastActivity = now
}

// nextDeadline derives when this session next needs attention from the clock
// loop: pending-start expiry, first-move abort, or a flag fall.
func (s *session) nextDeadline(grace time.Duration) (time.Time, bool) {
	switch s.status {
	case StatusPendingStart:
		return s.pendingDeadline, true
	case StatusInProgress:
		if !s.clockRunning() {
			// Waiting for a first move; abort the game if it never comes.
			return s.lastActivity.Add(grace), true
		}
		remaining := s.whiteMs
		if s.board.Turn() == "black" {
			remaining = s.blackMs
		}
		return s.turnStartedAt.Add(time.Duration(remaining) * time.Millisecond), true
	default:
		return time.Time{}, false
	}
}

func (s *session) recipients() []string {
	out := make([]string, 0, 2+len(s.spectators))
	out = append(out, s.white.ID, s.black.ID)
	for id := range s.spectators {
		out = append(out, id)
	}
	return out
}

func (s *session) snapshot(now time.Time) *Snapshot {
	w, b := s.remainingMs(now)
	w, b = max(w, 0), max(b, 0)
	moves := make([]string, len(s.movesUCI))
	copy(moves, s.movesUCI)
	return &Snapshot{
		GameID:       s.id,
		White:        s.white,
		Black:        s.black,
		TimeControl:  s.tc,
		VariantIndex: s.variantIndex,
		StartFEN:     s.startFEN,
		Seq:          s.seq,
		MovesUCI:     moves,
		WhiteMs:      w,
		BlackMs:      b,
		Turn:         s.board.Turn(),
		Status:       s.status,
		Result:       s.result,
		Reason:       s.reason,
	}
}
