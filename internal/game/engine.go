package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/match"
	"github.com/castlegate/arena/internal/obslog"
	"github.com/castlegate/arena/internal/rules"
)

// Engine owns every game this instance is authoritative for. Sessions live in
// memory only; a terminated game is handed to the finisher and released.
type Engine struct {
	notifier Notifier
	finisher Finisher
	presence PresenceHook

	maxGames int
	grace    time.Duration
	tick     time.Duration

	mu        sync.Mutex
	games     map[string]*session
	byPlayer  map[string]string
	deadlines deadlineHeap
	accepting bool

	now func() time.Time
}

type Options struct {
	MaxGames   int           // 0 means unlimited
	StartGrace time.Duration // pending-start and first-move patience
	ClockTick  time.Duration
}

func NewEngine(n Notifier, f Finisher, p PresenceHook, opts Options) *Engine {
	if opts.StartGrace <= 0 {
		opts.StartGrace = 20 * time.Second
	}
	if opts.ClockTick <= 0 {
		opts.ClockTick = 250 * time.Millisecond
	}
	return &Engine{
		notifier:  n,
		finisher:  f,
		presence:  p,
		maxGames:  opts.MaxGames,
		grace:     opts.StartGrace,
		tick:      opts.ClockTick,
		games:     make(map[string]*session),
		byPlayer:  make(map[string]string),
		accepting: true,
		now:       time.Now,
	}
}

// StartGame creates a session from a matchmaking pairing. The game starts in
// pending-start and is aborted if both players do not attach within the grace
// window.
func (e *Engine) StartGame(p match.Pairing) (string, error) {
	tc, err := ParseTimeControl(p.TimeControl)
	if err != nil {
		return "", err
	}
	startFEN, err := rules.StartFEN(p.VariantIndex)
	if err != nil {
		return "", err
	}
	board, err := rules.NewBoard(startFEN)
	if err != nil {
		return "", err
	}

	now := e.now()
	s := &session{
		id:              uuid.NewString(),
		white:           PlayerInfo{ID: p.White.ID, Handle: p.White.Handle, Rating: p.White.Rating},
		black:           PlayerInfo{ID: p.Black.ID, Handle: p.Black.Handle, Rating: p.Black.Rating},
		tc:              tc,
		variantIndex:    p.VariantIndex,
		startFEN:        startFEN,
		source:          p.Source,
		board:           board,
		status:          StatusPendingStart,
		whiteMs:         tc.BaseMs,
		blackMs:         tc.BaseMs,
		pendingDeadline: now.Add(e.grace),
		confirmed:       make(map[string]bool, 2),
		spectators:      make(map[string]bool),
		lastActivity:    now,
		createdAt:       now,
	}

	e.mu.Lock()
	if !e.accepting {
		e.mu.Unlock()
		return "", ErrNotAccepting
	}
	if e.maxGames > 0 && len(e.games) >= e.maxGames {
		e.mu.Unlock()
		return "", ErrCapacity
	}
	if _, busy := e.byPlayer[s.white.ID]; busy {
		e.mu.Unlock()
		return "", ErrAlreadyInGame
	}
	if _, busy := e.byPlayer[s.black.ID]; busy {
		e.mu.Unlock()
		return "", ErrAlreadyInGame
	}
	e.games[s.id] = s
	e.byPlayer[s.white.ID] = s.id
	e.byPlayer[s.black.ID] = s.id
	e.schedule(s.id, s.pendingDeadline)
	ev := StartEvent{
		GameID:       s.id,
		White:        s.white,
		Black:        s.black,
		TimeControl:  s.tc,
		VariantIndex: s.variantIndex,
		StartFEN:     s.startFEN,
		Recipients:   []string{s.white.ID, s.black.ID},
	}
	e.mu.Unlock()

	obslog.L().Info("game_created",
		zap.String("game_id", ev.GameID),
		zap.String("white", ev.White.ID),
		zap.String("black", ev.Black.ID),
		zap.String("tc", tc.Name),
		zap.Int("variant", p.VariantIndex),
		zap.String("source", p.Source))
	e.notifier.NotifyStart(ev)
	return ev.GameID, nil
}

// Attach confirms a player's readiness or registers a spectator, and returns
// the full session snapshot. When the second player attaches the game flips
// to in-progress.
func (e *Engine) Attach(gameID, identityID string) (*Snapshot, error) {
	now := e.now()

	e.mu.Lock()
	s, ok := e.games[gameID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownGame
	}
	if end, rec := e.checkExpiredLocked(s, now); end != nil {
		e.mu.Unlock()
		e.emitEnd(*end, *rec)
		return nil, ErrGameOver
	}
	if _, isPlayer := s.playerSide(identityID); isPlayer {
		if s.status == StatusPendingStart {
			s.confirmed[identityID] = true
			if s.confirmed[s.white.ID] && s.confirmed[s.black.ID] {
				s.status = StatusInProgress
				s.startedAt = now
				s.turnStartedAt = now
				s.lastActivity = now
				s.countedStart = true
				e.presence.RecordGameStart()
				if at, ok := s.nextDeadline(e.grace); ok {
					e.schedule(s.id, at)
				}
				obslog.L().Info("game_started", zap.String("game_id", s.id))
			}
		}
	} else {
		s.spectators[identityID] = true
	}
	snap := s.snapshot(now)
	e.mu.Unlock()
	return snap, nil
}

// Detach removes a spectator subscription. Player disconnects do not detach;
// the game keeps running and the player may re-attach.
func (e *Engine) Detach(gameID, identityID string) {
	e.mu.Lock()
	if s, ok := e.games[gameID]; ok {
		delete(s.spectators, identityID)
	}
	e.mu.Unlock()
}

// ApplyMove validates and applies one move for the given player. Sequence
// numbers make retries idempotent to detect, not to merge: a stale seq is
// rejected and the client resyncs from a snapshot.
func (e *Engine) ApplyMove(gameID, identityID string, seq int, move string) (*MoveEvent, error) {
	now := e.now()

	e.mu.Lock()
	s, ok := e.games[gameID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownGame
	}
	side, isPlayer := s.playerSide(identityID)
	if !isPlayer {
		e.mu.Unlock()
		return nil, ErrNotPlayer
	}
	if s.status == StatusPendingStart {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	if s.status == StatusEnded {
		e.mu.Unlock()
		return nil, ErrGameOver
	}
	if s.board.Turn() != side {
		e.mu.Unlock()
		return nil, ErrNotYourTurn
	}
	if seq != s.seq {
		e.mu.Unlock()
		return nil, ErrStaleSeq
	}
	if end, rec := e.checkExpiredLocked(s, now); end != nil {
		e.mu.Unlock()
		e.emitEnd(*end, *rec)
		return nil, ErrGameOver
	}

	uci, san, err := s.board.Apply(move)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	s.settleClock(now, side)
	s.seq++
	s.movesUCI = append(s.movesUCI, uci)
	s.movesSAN = append(s.movesSAN, san)
	if s.drawOfferFrom != "" && s.drawOfferFrom != identityID {
		// Moving instead of answering declines the offer.
		s.drawOfferFrom = ""
	}

	ev := MoveEvent{
		GameID:     s.id,
		Seq:        s.seq,
		UCI:        uci,
		SAN:        san,
		WhiteMs:    max(s.whiteMs, 0),
		BlackMs:    max(s.blackMs, 0),
		Turn:       s.board.Turn(),
		Recipients: s.recipients(),
	}
	var end *EndEvent
	var rec *Record
	if result, reason, over := s.board.Outcome(); over {
		end, rec = e.finalizeLocked(s, result, reason, now)
	} else if at, ok := s.nextDeadline(e.grace); ok {
		e.schedule(s.id, at)
	}
	e.mu.Unlock()

	// The final move is broadcast before the end frame so every client sees
	// the mating move.
	e.notifier.NotifyMove(ev)
	if end != nil {
		e.emitEnd(*end, *rec)
	}
	return &ev, nil
}

// Resign ends the game in the opponent's favor. During pending-start a
// resignation is an abort.
func (e *Engine) Resign(gameID, identityID string) error {
	now := e.now()

	e.mu.Lock()
	s, ok := e.games[gameID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownGame
	}
	side, isPlayer := s.playerSide(identityID)
	if !isPlayer {
		e.mu.Unlock()
		return ErrNotPlayer
	}
	var end *EndEvent
	var rec *Record
	if s.status == StatusPendingStart {
		end, rec = e.finalizeLocked(s, ResultAbort, "abort", now)
	} else {
		winner := ResultWhite
		if side == "white" {
			winner = ResultBlack
		}
		end, rec = e.finalizeLocked(s, winner, "resign", now)
	}
	e.mu.Unlock()

	if end != nil {
		e.emitEnd(*end, *rec)
	}
	return nil
}

// Abort cancels a game that has not meaningfully begun: pending-start, or
// in-progress before both sides have moved.
func (e *Engine) Abort(gameID, identityID string) error {
	now := e.now()

	e.mu.Lock()
	s, ok := e.games[gameID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownGame
	}
	if _, isPlayer := s.playerSide(identityID); !isPlayer {
		e.mu.Unlock()
		return ErrNotPlayer
	}
	if s.status == StatusInProgress && s.seq >= 2 {
		e.mu.Unlock()
		return ErrAbortTooLate
	}
	end, rec := e.finalizeLocked(s, ResultAbort, "abort", now)
	e.mu.Unlock()

	if end != nil {
		e.emitEnd(*end, *rec)
	}
	return nil
}

// OfferDraw registers a draw offer. Offering while the opponent's offer is
// outstanding accepts it.
func (e *Engine) OfferDraw(gameID, identityID string) (*DrawOfferEvent, error) {
	now := e.now()

	e.mu.Lock()
	s, ok := e.games[gameID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownGame
	}
	if _, isPlayer := s.playerSide(identityID); !isPlayer {
		e.mu.Unlock()
		return nil, ErrNotPlayer
	}
	if s.status != StatusInProgress {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	if s.drawOfferFrom != "" && s.drawOfferFrom != identityID {
		end, rec := e.finalizeLocked(s, ResultDraw, "draw_agreed", now)
		e.mu.Unlock()
		e.emitEnd(*end, *rec)
		return nil, nil
	}
	s.drawOfferFrom = identityID
	opponent := s.opponentOf(identityID)
	fromHandle := s.white.Handle
	if identityID == s.black.ID {
		fromHandle = s.black.Handle
	}
	ev := DrawOfferEvent{GameID: s.id, From: identityID, FromHandle: fromHandle, To: opponent.ID}
	e.mu.Unlock()

	e.notifier.NotifyDrawOffer(ev)
	return &ev, nil
}

// RespondDraw accepts or declines the opponent's pending offer.
func (e *Engine) RespondDraw(gameID, identityID string, accept bool) error {
	now := e.now()

	e.mu.Lock()
	s, ok := e.games[gameID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownGame
	}
	if _, isPlayer := s.playerSide(identityID); !isPlayer {
		e.mu.Unlock()
		return ErrNotPlayer
	}
	if s.drawOfferFrom == "" || s.drawOfferFrom == identityID {
		e.mu.Unlock()
		return ErrNoDrawOffer
	}
	if !accept {
		s.drawOfferFrom = ""
		e.mu.Unlock()
		return nil
	}
	end, rec := e.finalizeLocked(s, ResultDraw, "draw_agreed", now)
	e.mu.Unlock()

	e.emitEnd(*end, *rec)
	return nil
}

// Snapshot reads the current state, settling the clock lazily. A fallen flag
// is confirmed here too, so a read can terminate the game.
func (e *Engine) Snapshot(gameID string) (*Snapshot, error) {
	now := e.now()

	e.mu.Lock()
	s, ok := e.games[gameID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownGame
	}
	if end, rec := e.checkExpiredLocked(s, now); end != nil {
		e.mu.Unlock()
		e.emitEnd(*end, *rec)
		return nil, ErrGameOver
	}
	snap := s.snapshot(now)
	e.mu.Unlock()
	return snap, nil
}

// Owns reports whether this instance is authoritative for the game.
func (e *Engine) Owns(gameID string) bool {
	e.mu.Lock()
	_, ok := e.games[gameID]
	e.mu.Unlock()
	return ok
}

// GameFor returns the active game id a player is in, or "".
func (e *Engine) GameFor(identityID string) string {
	e.mu.Lock()
	id := e.byPlayer[identityID]
	e.mu.Unlock()
	return id
}

// ActiveCount is the number of live sessions, for /stats and drain.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	n := len(e.games)
	e.mu.Unlock()
	return n
}

// StopAccepting refuses new games; existing ones keep running. First step of
// a graceful drain.
func (e *Engine) StopAccepting() {
	e.mu.Lock()
	e.accepting = false
	e.mu.Unlock()
}

// AbortAll force-terminates every remaining session. Drain deadline fallback.
func (e *Engine) AbortAll() int {
	now := e.now()

	e.mu.Lock()
	type pending struct {
		end EndEvent
		rec Record
	}
	var out []pending
	for _, s := range e.games {
		if end, rec := e.finalizeLocked(s, ResultAbort, "abort", now); end != nil {
			out = append(out, pending{end: *end, rec: *rec})
		}
	}
	e.mu.Unlock()

	for _, p := range out {
		e.emitEnd(p.end, p.rec)
	}
	return len(out)
}

// Run drives the clock loop: a coarse tick pops due deadlines and re-checks
// them against live state. Stale heap entries are harmless.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweep(e.now())
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	type pending struct {
		end EndEvent
		rec Record
	}
	var out []pending

	e.mu.Lock()
	for _, id := range e.dueGames(now) {
		s, ok := e.games[id]
		if !ok {
			continue
		}
		if end, rec := e.checkExpiredLocked(s, now); end != nil {
			out = append(out, pending{end: *end, rec: *rec})
			continue
		}
		if at, ok := s.nextDeadline(e.grace); ok {
			e.schedule(s.id, at)
		}
	}
	e.mu.Unlock()

	for _, p := range out {
		e.emitEnd(p.end, p.rec)
	}
}

// checkExpiredLocked confirms pending-start expiry, first-move no-shows, and
// flag falls. Returns the end event when the session terminated.
func (e *Engine) checkExpiredLocked(s *session, now time.Time) (*EndEvent, *Record) {
	switch s.status {
	case StatusPendingStart:
		if now.Before(s.pendingDeadline) {
			return nil, nil
		}
		obslog.L().Info("game_abort_no_show", zap.String("game_id", s.id))
		return e.finalizeLocked(s, ResultAbort, "abort", now)
	case StatusInProgress:
		if !s.clockRunning() {
			if now.Sub(s.lastActivity) < e.grace {
				return nil, nil
			}
			obslog.L().Info("game_abort_no_move", zap.String("game_id", s.id))
			return e.finalizeLocked(s, ResultAbort, "abort", now)
		}
		if !s.flagFallen(now) {
			return nil, nil
		}
		loser := s.board.Turn()
		winner := ResultWhite
		winnerSide := "white"
		if loser == "white" {
			winner = ResultBlack
			winnerSide = "black"
			s.whiteMs = 0
		} else {
			s.blackMs = 0
		}
		if s.board.InsufficientMaterial(winnerSide) {
			return e.finalizeLocked(s, ResultDraw, "timeout_insufficient", now)
		}
		return e.finalizeLocked(s, winner, "timeout", now)
	default:
		return nil, nil
	}
}

// finalizeLocked terminates a session exactly once: settle the books, free
// the players, drop the session from memory, and build the end event and
// persistence record. Safe to call from every path; the ended guard makes a
// second call a no-op.
func (e *Engine) finalizeLocked(s *session, result, reason string, now time.Time) (*EndEvent, *Record) {
	if s.status == StatusEnded {
		return nil, nil
	}
	if s.clockRunning() {
		w, b := s.remainingMs(now)
		s.whiteMs, s.blackMs = max(w, 0), max(b, 0)
	}
	s.status = StatusEnded
	s.result = result
	s.reason = reason
	if s.countedStart {
		e.presence.RecordGameEnd()
	}
	delete(e.byPlayer, s.white.ID)
	delete(e.byPlayer, s.black.ID)
	delete(e.games, s.id)

	end := &EndEvent{
		GameID:     s.id,
		Result:     result,
		Reason:     reason,
		WhiteMs:    s.whiteMs,
		BlackMs:    s.blackMs,
		Recipients: s.recipients(),
	}
	rec := &Record{
		GameID:       s.id,
		White:        s.white,
		Black:        s.black,
		TimeControl:  s.tc,
		VariantIndex: s.variantIndex,
		StartFEN:     s.startFEN,
		MovesUCI:     append([]string(nil), s.movesUCI...),
		MovesSAN:     append([]string(nil), s.movesSAN...),
		Result:       result,
		Reason:       reason,
		WhiteMs:      s.whiteMs,
		BlackMs:      s.blackMs,
		Source:       s.source,
		StartedAt:    s.startedAt,
		EndedAt:      now,
	}
	return end, rec
}

func (e *Engine) emitEnd(end EndEvent, rec Record) {
	obslog.L().Info("game_ended",
		zap.String("game_id", end.GameID),
		zap.String("result", end.Result),
		zap.String("reason", end.Reason))
	e.notifier.NotifyEnd(end)
	if e.finisher != nil {
		e.finisher.Finish(rec)
	}
}
