package identity

import (
	"strings"
)

// Identity is either a registered user or an ephemeral guest. Connections,
// ratings, and games attach to identities, never to sockets.
type Identity interface {
	ID() string
	Handle() string
	IsGuest() bool
}

// RegisteredUser carries the persisted profile resolved from a session token.
type RegisteredUser struct {
	UserID  string
	Name    string
	Ratings map[string]int // time-control -> rating
}

func (u *RegisteredUser) ID() string     { return u.UserID }
func (u *RegisteredUser) Handle() string { return u.Name }
func (u *RegisteredUser) IsGuest() bool  { return false }

// Guest is minted per session; its ratings live only in the volatile store.
type Guest struct {
	GuestID string
	Name    string
}

func (g *Guest) ID() string     { return g.GuestID }
func (g *Guest) Handle() string { return g.Name }
func (g *Guest) IsGuest() bool  { return true }

// IsGuestID reports whether an identity id denotes a guest.
func IsGuestID(id string) bool { return strings.HasPrefix(id, "guest-") }
