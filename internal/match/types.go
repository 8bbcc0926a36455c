package match

import (
	"errors"
	"time"
)

var (
	ErrInvalidArgs      = errors.New("invalid arguments")
	ErrSelfChallenge    = errors.New("cannot challenge yourself")
	ErrDuplicatePending = errors.New("identical challenge already pending")
	ErrUnknownChallenge = errors.New("challenge not found")
	ErrNotReceiver      = errors.New("only the challenged player may respond")
	ErrExpired          = errors.New("challenge expired")
	ErrSeekExists       = errors.New("identity already has an open seek")
	ErrCapacity         = errors.New("server at game capacity")
)

// Status is the challenge lifecycle; terminal on accept, decline, or expiry.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusDeclined Status = "DECLINED"
	StatusExpired  Status = "EXPIRED"
)

// Player is the slice of an identity matchmaking needs.
type Player struct {
	ID     string
	Handle string
	Rating int
}

// Params are the game parameters a challenge carries.
type Params struct {
	TimeControl  string
	RatingMin    int
	RatingMax    int
	VariantIndex int // -1 draws a setup uniformly at game creation
}

// Challenge is a direct match request between two identities.
type Challenge struct {
	ID       string
	Sender   Player
	Receiver string
	Params   Params
	Status   Status

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Seek is an open quick-pairing request queued per time-control bucket.
type Seek struct {
	Player     Player
	RatingMin  int
	RatingMax  int
	EnqueuedAt time.Time
}

// Pairing is the product of matchmaking: two players, colors assigned,
// variant fixed. Exactly one game is created per pairing.
type Pairing struct {
	White        Player
	Black        Player
	TimeControl  string
	VariantIndex int
	Source       string // "challenge" or "seek"
}

// GameStarter is implemented by the game session engine. Matchmaking never
// touches game state; it hands over a pairing and receives the game id.
type GameStarter interface {
	StartGame(pairing Pairing) (string, error)
}
