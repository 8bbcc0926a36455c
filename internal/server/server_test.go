package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/castlegate/arena/internal/auth"
	"github.com/castlegate/arena/internal/bus"
	"github.com/castlegate/arena/internal/config"
	"github.com/castlegate/arena/internal/game"
	"github.com/castlegate/arena/internal/identity"
	"github.com/castlegate/arena/internal/match"
	"github.com/castlegate/arena/internal/msgcat"
	"github.com/castlegate/arena/internal/presence"
	"github.com/castlegate/arena/internal/registry"
	"github.com/castlegate/arena/internal/rules"
	"github.com/castlegate/arena/internal/upstream"
	"github.com/castlegate/arena/pkg/wire"
)

type capturedUpstream struct {
	mu      sync.Mutex
	games   []upstream.FinishedGame
	ratings []upstream.RatingUpdate
}

func (c *capturedUpstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch r.URL.Path {
		case "/internal/games":
			var g upstream.FinishedGame
			_ = json.NewDecoder(r.Body).Decode(&g)
			c.games = append(c.games, g)
		case "/internal/ratings":
			var u upstream.RatingUpdate
			_ = json.NewDecoder(r.Body).Decode(&u)
			c.ratings = append(c.ratings, u)
		default:
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func newTestServer(t *testing.T) (*Server, *miniredis.Miniredis, *capturedUpstream) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sink := &capturedUpstream{}
	up := httptest.NewServer(sink.handler())
	t.Cleanup(up.Close)

	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	cfg := &config.AppConfig{
		ListenAddr:         ":0",
		MaxConcurrentGames: 10,
		ChallengeTTL:       time.Minute,
		PendingStartGrace:  20 * time.Second,
		ClockTick:          250 * time.Millisecond,
		PresenceBroadcast:  time.Second,
		PresenceStale:      15 * time.Second,
		DrainDeadline:      time.Second,
	}
	tracker := presence.NewTracker("s-test", cfg.PresenceStale)
	guests := identity.NewGuestStore(rdb, time.Hour)
	s := New(cfg, "test", Deps{
		Registry: registry.New(tracker, 32),
		Auth:     auth.NewService("secret", guests),
		Guests:   guests,
		Tracker:  tracker,
		Bus:      bus.New(rdb, "s-test"),
		Catalog:  cat,
		Upstream: upstream.NewClient(up.URL),
		Redis:    rdb,
	})
	return s, mr, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestFinishArchivesAndRatesGuests(t *testing.T) {
	s, _, sink := newTestServer(t)
	ctx := context.Background()

	white, err := s.guests.CreateGuest(ctx, "Alice")
	if err != nil {
		t.Fatalf("CreateGuest: %v", err)
	}
	black, err := s.guests.CreateGuest(ctx, "Bob")
	if err != nil {
		t.Fatalf("CreateGuest: %v", err)
	}

	rec := game.Record{
		GameID:      "g1",
		White:       game.PlayerInfo{ID: white.GuestID, Handle: "Alice", Rating: 1500},
		Black:       game.PlayerInfo{ID: black.GuestID, Handle: "Bob", Rating: 1500},
		TimeControl: game.TimeControl{Name: "3+2", BaseMs: 180_000, IncrementMs: 2_000},
		Result:      game.ResultWhite,
		Reason:      "checkmate",
		EndedAt:     time.Now(),
	}
	s.Finish(rec)

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.games) == 1
	})
	sink.mu.Lock()
	if sink.games[0].GameID != "g1" || sink.games[0].Reason != "checkmate" {
		t.Fatalf("archived game = %+v", sink.games[0])
	}
	if len(sink.ratings) != 0 {
		t.Fatalf("guest results leaked to upstream ratings: %+v", sink.ratings)
	}
	sink.mu.Unlock()

	waitFor(t, func() bool {
		return s.guests.Rating(ctx, white.GuestID, "3+2") > 1500
	})
	if got := s.guests.Rating(ctx, black.GuestID, "3+2"); got >= 1500 {
		t.Fatalf("loser rating = %d, want below 1500", got)
	}
}

func TestFinishSendsRegisteredRatingsUpstream(t *testing.T) {
	s, _, sink := newTestServer(t)

	rec := game.Record{
		GameID:      "g2",
		White:       game.PlayerInfo{ID: "user-1", Handle: "Reg", Rating: 1600},
		Black:       game.PlayerInfo{ID: "user-2", Handle: "Other", Rating: 1580},
		TimeControl: game.TimeControl{Name: "5+0"},
		Result:      game.ResultDraw,
		Reason:      "draw_agreed",
		EndedAt:     time.Now(),
	}
	s.Finish(rec)

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.ratings) == 2
	})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, u := range sink.ratings {
		if u.Score != "draw" || u.TimeControl != "5+0" {
			t.Fatalf("rating update = %+v", u)
		}
	}
}

func TestAbortedGameIsNotRated(t *testing.T) {
	s, _, sink := newTestServer(t)

	rec := game.Record{
		GameID:      "g3",
		White:       game.PlayerInfo{ID: "user-1", Handle: "A", Rating: 1500},
		Black:       game.PlayerInfo{ID: "user-2", Handle: "B", Rating: 1500},
		TimeControl: game.TimeControl{Name: "3+2"},
		Result:      game.ResultAbort,
		Reason:      "abort",
		EndedAt:     time.Now(),
	}
	s.Finish(rec)

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.games) == 1
	})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.ratings) != 0 {
		t.Fatalf("aborted game rated: %+v", sink.ratings)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{game.ErrNotYourTurn, wire.CodeStateConflict},
		{game.ErrStaleSeq, wire.CodeStateConflict},
		{rules.ErrIllegalMove, wire.CodeStateConflict},
		{match.ErrSelfChallenge, wire.CodeStateConflict},
		{match.ErrExpired, wire.CodeExpired},
		{game.ErrCapacity, wire.CodeCapacity},
		{match.ErrCapacity, wire.CodeCapacity},
		{game.ErrUnknownGame, wire.CodeStateConflict},
	}
	for _, c := range cases {
		code, _, _ := classifyError(c.err)
		if code != c.code {
			t.Fatalf("classify(%v) = %q, want %q", c.err, code, c.code)
		}
	}
	// Stale seq is the one move error worth an automatic client retry.
	if _, _, retryable := classifyError(game.ErrStaleSeq); !retryable {
		t.Fatalf("stale seq not retryable")
	}
	if _, _, retryable := classifyError(game.ErrNotYourTurn); retryable {
		t.Fatalf("not-your-turn marked retryable")
	}
}

func TestErrorFrameRendersCatalogText(t *testing.T) {
	s, _, _ := newTestServer(t)
	frame := s.mappedError(rules.ErrIllegalMove, "e2e5")
	var got struct {
		T       string `json:"t"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.T != wire.TError || got.Code != wire.CodeStateConflict {
		t.Fatalf("frame = %+v", got)
	}
	if !strings.Contains(got.Message, "e2e5") {
		t.Fatalf("move missing from message: %q", got.Message)
	}
}

func TestStatsAndInfoEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handleStats(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats decode: %v", err)
	}
	if stats["server_id"] != "s-test" || stats["servers"].(float64) != 1 {
		t.Fatalf("stats = %v", stats)
	}

	rr = httptest.NewRecorder()
	s.handleInfo(rr, httptest.NewRequest(http.MethodGet, "/info", nil))
	var info map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("info decode: %v", err)
	}
	if info["version"] != "test" {
		t.Fatalf("info = %v", info)
	}
}

func TestHealthzReflectsRedisAndDrain(t *testing.T) {
	s, mr, _ := newTestServer(t)

	decode := func(rr *httptest.ResponseRecorder) map[string]any {
		t.Helper()
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("healthz decode: %v", err)
		}
		return body
	}

	rr := httptest.NewRecorder()
	s.handleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthy instance returned %d", rr.Code)
	}
	body := decode(rr)
	if body["status"] != "ok" || body["server_id"] != "s-test" {
		t.Fatalf("healthz body = %v", body)
	}
	if _, ok := body["online"]; !ok {
		t.Fatalf("healthz missing presence counters: %v", body)
	}

	mr.Close()
	rr = httptest.NewRecorder()
	s.handleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("redis-down healthz = %d", rr.Code)
	}
	if body := decode(rr); body["status"] != "error" || body["error"] != "redis unreachable" {
		t.Fatalf("redis-down body = %v", body)
	}

	s.draining.Store(true)
	rr = httptest.NewRecorder()
	s.handleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining healthz = %d", rr.Code)
	}
	if body := decode(rr); body["status"] != "draining" {
		t.Fatalf("draining body = %v", body)
	}
}

func TestHandshakeAuthErrorThenRetry(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, map[string]any{"t": wire.TAuth, "token": "not-a-token"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var fail struct {
		T         string `json:"t"`
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	}
	if err := wsjson.Read(ctx, conn, &fail); err != nil {
		t.Fatalf("read auth error: %v", err)
	}
	if fail.T != wire.TError || fail.Code != wire.CodeAuth || !fail.Retryable {
		t.Fatalf("auth failure frame = %+v", fail)
	}

	// The socket survives a bad token; a guest retry completes the handshake.
	if err := wsjson.Write(ctx, conn, map[string]any{"t": wire.TAuth, "display_name": "Zed"}); err != nil {
		t.Fatalf("write retry: %v", err)
	}
	var ok struct {
		T      string `json:"t"`
		Handle string `json:"handle"`
		Guest  bool   `json:"guest"`
	}
	if err := wsjson.Read(ctx, conn, &ok); err != nil {
		t.Fatalf("read auth success: %v", err)
	}
	if ok.T != wire.TAuthSuccess || !ok.Guest || ok.Handle == "" {
		t.Fatalf("auth success frame = %+v", ok)
	}
}

func TestRemoteMoveRedeliveryDropped(t *testing.T) {
	s, mr, _ := newTestServer(t)

	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb2.Close() })
	peer := bus.New(rdb2, "s-peer")
	t.Cleanup(peer.Close)

	client, err := s.reg.Register()
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.reg.Authenticate(client.ID(), &identity.Guest{GuestID: "guest-dup", Name: "Dup"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	s.subscribeIdentity("guest-dup")

	moveSeq := func(frame any) (int, bool) {
		raw, ok := frame.(json.RawMessage)
		if !ok {
			t.Fatalf("frame type %T", frame)
		}
		var ev struct {
			T   string `json:"t"`
			Seq int    `json:"seq"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("frame decode: %v", err)
		}
		return ev.Seq, ev.T == wire.TGameMove
	}

	ctx := context.Background()
	move1, _ := wire.Tagged(wire.TGameMove, wire.GameMove{GameID: "g7", Seq: 1, UCI: "e2e4", Turn: "black"})
	move2, _ := wire.Tagged(wire.TGameMove, wire.GameMove{GameID: "g7", Seq: 2, UCI: "e7e5", Turn: "white"})
	for _, frame := range []json.RawMessage{move1, move1, move2, move1} {
		if err := peer.Publish(ctx, bus.TopicIdentity("guest-dup"), frame); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var got []int
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case frame := <-client.Out():
			if seq, isMove := moveSeq(frame); isMove {
				got = append(got, seq)
			}
		case <-deadline:
			t.Fatalf("moves delivered = %v, want [1 2]", got)
		}
	}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("moves delivered = %v, want [1 2]", got)
	}

	// Give trailing redeliveries time to arrive, then check none got through.
	time.Sleep(150 * time.Millisecond)
	extra := 0
drained:
	for {
		select {
		case frame := <-client.Out():
			if _, isMove := moveSeq(frame); isMove {
				extra++
			}
		default:
			break drained
		}
	}
	if extra != 0 {
		t.Fatalf("duplicate move frames delivered: %d", extra)
	}
}

func TestSeekThroughServerStartsGame(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	a, _ := s.guests.CreateGuest(ctx, "A")
	b, _ := s.guests.CreateGuest(ctx, "B")

	if _, err := s.matcher.EnqueueSeek(match.Player{ID: a.GuestID, Handle: "A", Rating: 1500}, 0, 0, "3+2"); err != nil {
		t.Fatalf("seek a: %v", err)
	}
	gameID, err := s.matcher.EnqueueSeek(match.Player{ID: b.GuestID, Handle: "B", Rating: 1500}, 0, 0, "3+2")
	if err != nil {
		t.Fatalf("seek b: %v", err)
	}
	if gameID == "" {
		t.Fatalf("no game created")
	}
	if !s.engine.Owns(gameID) {
		t.Fatalf("engine does not own created game")
	}
	snap, err := s.engine.Attach(gameID, a.GuestID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if snap.TimeControl.Name != "3+2" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
