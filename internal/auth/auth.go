package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/castlegate/arena/internal/identity"
)

var (
	// ErrInvalidToken is recoverable: the client may retry the handshake
	// with a fresh token or fall back to a guest session.
	ErrInvalidToken = errors.New("invalid or expired session token")
	ErrNoCredential = errors.New("no credential supplied")
)

// Claims is the session token payload minted by the web application at login.
type Claims struct {
	UserID  string         `json:"user_id"`
	Handle  string         `json:"handle"`
	Ratings map[string]int `json:"ratings,omitempty"`
	jwt.RegisteredClaims
}

// Service resolves connection credentials into identities.
type Service struct {
	secret []byte
	guests *identity.GuestStore
}

func NewService(secret string, guests *identity.GuestStore) *Service {
	return &Service{secret: []byte(secret), guests: guests}
}

// Credentials is what the auth frame carries: a token, a display name, or both
// (token wins).
type Credentials struct {
	Token       string
	DisplayName string
}

// Resolve authenticates the credentials. A verified token yields the
// registered user; otherwise a fresh guest identity is minted. A present but
// invalid token is an auth error, never a silent guest downgrade.
func (s *Service) Resolve(ctx context.Context, creds Credentials) (identity.Identity, error) {
	token := strings.TrimSpace(creds.Token)
	if token != "" {
		return s.verifyToken(token)
	}
	if s.guests == nil {
		return nil, ErrNoCredential
	}
	return s.guests.CreateGuest(ctx, creds.DisplayName)
}

func (s *Service) verifyToken(tokenString string) (*identity.RegisteredUser, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrInvalidToken
	}
	return &identity.RegisteredUser{
		UserID:  claims.UserID,
		Name:    claims.Handle,
		Ratings: claims.Ratings,
	}, nil
}

// MintToken signs a session token. The web application owns login; this is
// used by tests and by operator tooling.
func (s *Service) MintToken(userID, handle string, ratings map[string]int, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := Claims{
		UserID:  userID,
		Handle:  handle,
		Ratings: ratings,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
