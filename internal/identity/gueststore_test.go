package identity

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/castlegate/arena/internal/rating"
)

func newTestStore(t *testing.T) (*GuestStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewGuestStore(rdb, time.Hour), mr
}

func TestCreateGuestDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.CreateGuest(ctx, "")
	if err != nil {
		t.Fatalf("CreateGuest: %v", err)
	}
	if !IsGuestID(g.ID()) {
		t.Fatalf("guest id missing prefix: %q", g.ID())
	}
	if g.Handle() == "" {
		t.Fatalf("expected generated handle")
	}
	if r := s.Rating(ctx, g.ID(), "3+2"); r != rating.DefaultRating {
		t.Fatalf("fresh guest rating = %d, want %d", r, rating.DefaultRating)
	}
}

func TestCreateGuestSanitizesHint(t *testing.T) {
	s, _ := newTestStore(t)
	g, err := s.CreateGuest(context.Background(), "  al<ice>!  ")
	if err != nil {
		t.Fatalf("CreateGuest: %v", err)
	}
	if g.Handle() != "alice" {
		t.Fatalf("handle not sanitized: %q", g.Handle())
	}
}

func TestRecordGameResultUpdatesRating(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	g, err := s.CreateGuest(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateGuest: %v", err)
	}

	sum := GameSummary{GameID: "g1", Opponent: "alice", TimeControl: "3+2", Result: "win", FinishedAt: time.Now()}
	if err := s.RecordGameResult(ctx, g.ID(), "3+2", 20, sum); err != nil {
		t.Fatalf("RecordGameResult: %v", err)
	}

	d, err := s.GetGuestData(ctx, g.ID())
	if err != nil || d == nil {
		t.Fatalf("GetGuestData: %v", err)
	}
	if d.Ratings["3+2"] != rating.DefaultRating+20 {
		t.Fatalf("rating = %d, want %d", d.Ratings["3+2"], rating.DefaultRating+20)
	}
	if d.Games != 1 || d.Wins != 1 {
		t.Fatalf("stats not updated: %+v", d)
	}
	if len(d.Recent) != 1 || d.Recent[0].GameID != "g1" {
		t.Fatalf("recent games not recorded: %+v", d.Recent)
	}
}

func TestRecentGamesBounded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	g, _ := s.CreateGuest(ctx, "carl")
	for i := 0; i < recentGamesKept+5; i++ {
		sum := GameSummary{GameID: "g", Result: "draw", FinishedAt: time.Now()}
		if err := s.RecordGameResult(ctx, g.ID(), "1+0", 0, sum); err != nil {
			t.Fatalf("RecordGameResult: %v", err)
		}
	}
	d, _ := s.GetGuestData(ctx, g.ID())
	if len(d.Recent) != recentGamesKept {
		t.Fatalf("recent list = %d entries, want %d", len(d.Recent), recentGamesKept)
	}
}

func TestGuestRatingsVolatile(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	g, _ := s.CreateGuest(ctx, "dora")
	sum := GameSummary{GameID: "g1", Result: "win", FinishedAt: time.Now()}
	_ = s.RecordGameResult(ctx, g.ID(), "3+2", 20, sum)

	// A restart of the volatile store wipes guest state by design.
	mr.FlushAll()
	if r := s.Rating(ctx, g.ID(), "3+2"); r != rating.DefaultRating {
		t.Fatalf("rating survived flush: %d", r)
	}
	d, err := s.GetGuestData(ctx, g.ID())
	if err != nil || d != nil {
		t.Fatalf("expected unknown guest after flush, got %+v err=%v", d, err)
	}
}

func TestRecordResultForExpiredGuestIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	sum := GameSummary{GameID: "g1", Result: "win", FinishedAt: time.Now()}
	if err := s.RecordGameResult(context.Background(), "guest-unknown", "3+2", 20, sum); err != nil {
		t.Fatalf("expected noop for expired guest, got %v", err)
	}
}
