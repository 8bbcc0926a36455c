package game

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownGame   = errors.New("game not found on this instance")
	ErrNotPlayer     = errors.New("identity is not a player in this game")
	ErrNotYourTurn   = errors.New("not your turn")
	ErrStaleSeq      = errors.New("move sequence number mismatch")
	ErrGameOver      = errors.New("game already ended")
	ErrNotStarted    = errors.New("game has not started")
	ErrNoDrawOffer   = errors.New("no draw offer pending")
	ErrCapacity      = errors.New("instance at game capacity")
	ErrNotAccepting  = errors.New("instance is draining, no new games")
	ErrAbortTooLate  = errors.New("game can no longer be aborted")
	ErrAlreadyInGame = errors.New("player already has an authoritative game")
)

// Status is the session state machine: pending-start -> in-progress -> ended.
type Status string

const (
	StatusPendingStart Status = "PENDING_START"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusEnded        Status = "ENDED"
)

// Result tags. Reason refines the result ("checkmate", "resign", "timeout",
// "timeout_insufficient", "draw_agreed", "abort", "stalemate", "rule").
const (
	ResultWhite = "white"
	ResultBlack = "black"
	ResultDraw  = "draw"
	ResultAbort = "abort"
)

// TimeControl in milliseconds. Parsed from the "3+2" form: base minutes plus
// increment seconds per move.
type TimeControl struct {
	Name        string
	BaseMs      int64
	IncrementMs int64
}

func ParseTimeControl(s string) (TimeControl, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "+", 2)
	if len(parts) != 2 {
		return TimeControl{}, fmt.Errorf("bad time control %q", s)
	}
	base, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || base < 0 {
		return TimeControl{}, fmt.Errorf("bad time control base %q", s)
	}
	inc, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || inc < 0 {
		return TimeControl{}, fmt.Errorf("bad time control increment %q", s)
	}
	if base == 0 && inc == 0 {
		return TimeControl{}, fmt.Errorf("zero time control %q", s)
	}
	return TimeControl{
		Name:        fmt.Sprintf("%d+%d", base, inc),
		BaseMs:      int64(base) * 60_000,
		IncrementMs: int64(inc) * 1_000,
	}, nil
}

// PlayerInfo is the identity slice a session keeps. Cross-references hold ids
// only; connections are resolved through the registry at delivery time.
type PlayerInfo struct {
	ID     string
	Handle string
	Rating int
}

// StartEvent announces a created game to its players.
type StartEvent struct {
	GameID       string
	White, Black PlayerInfo
	TimeControl  TimeControl
	VariantIndex int
	StartFEN     string
	Recipients   []string
}

// MoveEvent is broadcast after each accepted move.
type MoveEvent struct {
	GameID     string
	Seq        int
	UCI, SAN   string
	WhiteMs    int64
	BlackMs    int64
	Turn       string
	Recipients []string
}

// EndEvent is emitted exactly once per game.
type EndEvent struct {
	GameID     string
	Result     string
	Reason     string
	WhiteMs    int64
	BlackMs    int64
	Recipients []string
}

// DrawOfferEvent routes a pending draw offer to the opponent.
type DrawOfferEvent struct {
	GameID     string
	From       string
	FromHandle string
	To         string
}

// Snapshot is the full state sent to an attaching connection.
type Snapshot struct {
	GameID       string
	White, Black PlayerInfo
	TimeControl  TimeControl
	VariantIndex int
	StartFEN     string
	Seq          int
	MovesUCI     []string
	WhiteMs      int64
	BlackMs      int64
	Turn         string
	Status       Status
	Result       string
	Reason       string
}

// Record is handed to the persistence collaborator on termination. The
// realtime core fires it and forgets it; retries are the collaborator's
// problem, never a reason to keep the game in memory.
type Record struct {
	GameID       string
	White, Black PlayerInfo
	TimeControl  TimeControl
	VariantIndex int
	StartFEN     string
	MovesUCI     []string
	MovesSAN     []string
	Result       string
	Reason       string
	WhiteMs      int64
	BlackMs      int64
	Source       string
	StartedAt    time.Time
	EndedAt      time.Time
}

// Notifier fans session events out to the players and spectators, locally
// through the registry and fleet-wide through the bus.
type Notifier interface {
	NotifyStart(ev StartEvent)
	NotifyMove(ev MoveEvent)
	NotifyEnd(ev EndEvent)
	NotifyDrawOffer(ev DrawOfferEvent)
}

// Finisher receives the final record of every terminated game: persistence,
// rating updates, notifications.
type Finisher interface {
	Finish(rec Record)
}

// PresenceHook is the slice of the presence tracker the engine drives.
type PresenceHook interface {
	RecordGameStart()
	RecordGameEnd()
}
