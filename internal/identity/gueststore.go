package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/obslog"
	"github.com/castlegate/arena/internal/rating"
)

const recentGamesKept = 10

// GameSummary is the bounded per-guest history entry.
type GameSummary struct {
	GameID      string    `json:"game_id"`
	Opponent    string    `json:"opponent"`
	TimeControl string    `json:"time_control"`
	Result      string    `json:"result"` // "win", "loss", "draw"
	FinishedAt  time.Time `json:"finished_at"`
}

// GuestData is stored as JSON under guest:<id>. It expires with the guest TTL
// and is gone after a process/Redis restart; guest ratings are provisional by
// product decision, not persisted anywhere durable.
type GuestData struct {
	GuestID   string         `json:"guest_id"`
	Name      string         `json:"name"`
	Ratings   map[string]int `json:"ratings"`
	Games     int            `json:"games"`
	Wins      int            `json:"wins"`
	Losses    int            `json:"losses"`
	Draws     int            `json:"draws"`
	Recent    []GameSummary  `json:"recent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// GuestStore keeps guest identities and their in-memory-grade ratings in the
// shared volatile cache.
type GuestStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGuestStore(rdb *redis.Client, ttl time.Duration) *GuestStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &GuestStore{rdb: rdb, ttl: ttl}
}

func guestKey(id string) string { return "guest:" + strings.TrimSpace(id) }

// CreateGuest mints a fresh guest identity. The display name hint is
// sanitized; an empty hint yields a generated handle.
func (s *GuestStore) CreateGuest(ctx context.Context, displayNameHint string) (*Guest, error) {
	id := "guest-" + uuid.NewString()
	name := sanitizeHandle(displayNameHint)
	if name == "" {
		name = "Guest-" + strings.ToUpper(id[len(id)-4:])
	}
	data := &GuestData{
		GuestID:   id,
		Name:      name,
		Ratings:   map[string]int{},
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, guestKey(id), raw, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("save guest: %w", err)
	}
	obslog.L().Info("guest_create", zap.String("guest_id", id), zap.String("handle", name))
	return &Guest{GuestID: id, Name: name}, nil
}

// GetGuestData returns nil when the guest is unknown or expired.
func (s *GuestStore) GetGuestData(ctx context.Context, guestID string) (*GuestData, error) {
	raw, err := s.rdb.Get(ctx, guestKey(guestID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d GuestData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Rating returns the guest's rating for a time control, defaulting for
// unknown guests and untried time controls.
func (s *GuestStore) Rating(ctx context.Context, guestID, timeControl string) int {
	d, err := s.GetGuestData(ctx, guestID)
	if err != nil || d == nil {
		return rating.DefaultRating
	}
	if r, ok := d.Ratings[timeControl]; ok {
		return r
	}
	return rating.DefaultRating
}

// RecordGameResult applies a rating delta and appends the game summary.
// Concurrent finishes for the same guest are rare but possible (player plus
// spectated games ending together), so the update runs under WATCH.
func (s *GuestStore) RecordGameResult(ctx context.Context, guestID, timeControl string, delta int, summary GameSummary) error {
	key := guestKey(guestID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Guest already expired; nothing to update.
			return nil
		}
		if err != nil {
			return err
		}
		var d GuestData
		if jerr := json.Unmarshal(raw, &d); jerr != nil {
			return jerr
		}
		if d.Ratings == nil {
			d.Ratings = map[string]int{}
		}
		cur, ok := d.Ratings[timeControl]
		if !ok {
			cur = rating.DefaultRating
		}
		d.Ratings[timeControl] = cur + delta
		d.Games++
		switch summary.Result {
		case "win":
			d.Wins++
		case "loss":
			d.Losses++
		case "draw":
			d.Draws++
		}
		d.Recent = append([]GameSummary{summary}, d.Recent...)
		if len(d.Recent) > recentGamesKept {
			d.Recent = d.Recent[:recentGamesKept]
		}
		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&d)
		pipe.Set(ctx, key, newRaw, s.ttl)
		_, perr := pipe.Exec(ctx)
		return perr
	}, key)
	if err != nil {
		obslog.L().Error("guest_result_error",
			zap.String("guest_id", guestID),
			zap.String("time_control", timeControl),
			zap.Error(err),
		)
		return err
	}
	obslog.L().Info("guest_result",
		zap.String("guest_id", guestID),
		zap.String("time_control", timeControl),
		zap.Int("delta", delta),
		zap.String("result", summary.Result),
	)
	return nil
}

func sanitizeHandle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return -1
		}
	}, s)
	if len(s) > 24 {
		s = s[:24]
	}
	return s
}
