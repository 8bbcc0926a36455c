package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/bus"
	"github.com/castlegate/arena/internal/game"
	"github.com/castlegate/arena/internal/identity"
	"github.com/castlegate/arena/internal/obslog"
	"github.com/castlegate/arena/internal/rating"
	"github.com/castlegate/arena/internal/upstream"
	"github.com/castlegate/arena/pkg/wire"
)

// sendTo delivers a tagged frame to every connection of an identity, here and
// on every other instance. Local delivery goes through the registry; the bus
// copy is dropped by the publisher's own subscription, so nothing arrives
// twice.
func (s *Server) sendTo(identityID, tag string, payload any) {
	frame, err := wire.Tagged(tag, payload)
	if err != nil {
		obslog.L().Error("frame_encode_error", zap.String("tag", tag), zap.Error(err))
		return
	}
	s.reg.Deliver(identityID, frame)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, bus.TopicIdentity(identityID), frame); err != nil {
		obslog.L().Warn("frame_publish_error", zap.String("tag", tag), zap.Error(err))
	}
}

// subscribeIdentity routes bus frames addressed to an identity onto its local
// connections. One subscription per identity, cancelled when the last
// connection drops.
func (s *Server) subscribeIdentity(identityID string) {
	s.mu.Lock()
	if _, ok := s.identSubs[identityID]; ok {
		s.mu.Unlock()
		return
	}
	// Reserve the slot before the blocking subscribe call.
	s.identSubs[identityID] = func() {}
	s.mu.Unlock()

	// The bus is at-least-once; redelivered move frames are dropped by seq
	// before they reach the connections. Other frame types are safe to repeat.
	var seqMu sync.Mutex
	lastSeq := make(map[string]int)
	cancel, err := s.bus.Subscribe(bus.TopicIdentity(identityID), func(_ string, payload []byte) {
		var ev struct {
			T      string `json:"t"`
			GameID string `json:"game_id"`
			Seq    int    `json:"seq"`
		}
		if err := json.Unmarshal(payload, &ev); err == nil {
			switch ev.T {
			case wire.TGameMove:
				seqMu.Lock()
				last, seen := lastSeq[ev.GameID]
				if seen && ev.Seq <= last {
					seqMu.Unlock()
					return
				}
				lastSeq[ev.GameID] = ev.Seq
				seqMu.Unlock()
			case wire.TGameEnd:
				seqMu.Lock()
				delete(lastSeq, ev.GameID)
				seqMu.Unlock()
			}
		}
		s.reg.Deliver(identityID, json.RawMessage(payload))
	})
	if err != nil {
		obslog.L().Warn("identity_subscribe_error", zap.String("identity_id", identityID), zap.Error(err))
		s.mu.Lock()
		delete(s.identSubs, identityID)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.identSubs[identityID] = cancel
	s.mu.Unlock()
}

func (s *Server) unsubscribeIdentity(identityID string) {
	s.mu.Lock()
	cancel := s.identSubs[identityID]
	delete(s.identSubs, identityID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// identityGone runs when an identity's last local connection drops: open
// seeks are cancelled and the identity's bus route is torn down. Running
// games are left alone; the player may reconnect anywhere in the fleet.
func (s *Server) identityGone(identityID string) {
	s.matcher.CancelAllFor(identityID)
	s.unsubscribeIdentity(identityID)
}

// gameCmd is a game action forwarded to the authoritative instance over the
// per-game command topic.
type gameCmd struct {
	Op         string `json:"op"` // "move", "resign", "abort", "draw.offer", "draw.respond", "attach", "typing"
	GameID     string `json:"game_id"`
	IdentityID string `json:"identity_id"`
	Seq        int    `json:"seq,omitempty"`
	Move       string `json:"move,omitempty"`
	Accept     bool   `json:"accept,omitempty"`
}

func (s *Server) subscribeGameCmd(gameID string) {
	cancel, err := s.bus.Subscribe(bus.TopicGameCmd(gameID), func(_ string, payload []byte) {
		var cmd gameCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			obslog.L().Warn("game_cmd_bad_frame", zap.String("game_id", gameID), zap.Error(err))
			return
		}
		s.execGameCmd(cmd)
	})
	if err != nil {
		obslog.L().Warn("game_cmd_subscribe_error", zap.String("game_id", gameID), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.cmdSubs[gameID] = cancel
	s.mu.Unlock()
}

func (s *Server) unsubscribeGameCmd(gameID string) {
	s.mu.Lock()
	cancel := s.cmdSubs[gameID]
	delete(s.cmdSubs, gameID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) forwardGameCmd(cmd gameCmd) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, bus.TopicGameCmd(cmd.GameID), cmd); err != nil {
		obslog.L().Warn("game_cmd_forward_error", zap.String("game_id", cmd.GameID), zap.Error(err))
		s.sendGameError(cmd.IdentityID, game.ErrStaleSeq)
	}
}

// execGameCmd runs a forwarded action against the local engine. Results and
// errors travel back over the sender's identity topic.
func (s *Server) execGameCmd(cmd gameCmd) {
	switch cmd.Op {
	case "move":
		if _, err := s.engine.ApplyMove(cmd.GameID, cmd.IdentityID, cmd.Seq, cmd.Move); err != nil {
			s.sendMoveError(cmd.IdentityID, cmd.Move, err)
		}
	case "resign":
		if err := s.engine.Resign(cmd.GameID, cmd.IdentityID); err != nil {
			s.sendGameError(cmd.IdentityID, err)
		}
	case "abort":
		if err := s.engine.Abort(cmd.GameID, cmd.IdentityID); err != nil {
			s.sendGameError(cmd.IdentityID, err)
		}
	case "draw.offer":
		if _, err := s.engine.OfferDraw(cmd.GameID, cmd.IdentityID); err != nil {
			s.sendGameError(cmd.IdentityID, err)
		}
	case "draw.respond":
		if err := s.engine.RespondDraw(cmd.GameID, cmd.IdentityID, cmd.Accept); err != nil {
			s.sendGameError(cmd.IdentityID, err)
		}
	case "attach":
		snap, err := s.engine.Attach(cmd.GameID, cmd.IdentityID)
		if err != nil {
			s.sendGameError(cmd.IdentityID, err)
			return
		}
		s.sendTo(cmd.IdentityID, wire.TGameState, snapshotFrame(snap))
	case "typing":
		s.relayTyping(cmd.GameID, cmd.IdentityID)
	default:
		obslog.L().Warn("game_cmd_unknown_op", zap.String("op", cmd.Op))
	}
}

// relayTyping forwards the legacy typing indicator to the opponent, verbatim.
func (s *Server) relayTyping(gameID, fromID string) {
	snap, err := s.engine.Snapshot(gameID)
	if err != nil {
		return
	}
	to := snap.White.ID
	if fromID == snap.White.ID {
		to = snap.Black.ID
	}
	s.sendTo(to, wire.TTyping, wire.Typing{GameID: gameID})
}

func snapshotFrame(snap *game.Snapshot) wire.GameState {
	return wire.GameState{
		GameID:   snap.GameID,
		Seq:      snap.Seq,
		MovesUCI: snap.MovesUCI,
		WhiteMs:  snap.WhiteMs,
		BlackMs:  snap.BlackMs,
		Turn:     snap.Turn,
		Status:   string(snap.Status),
		StartFEN: snap.StartFEN,
	}
}

// NotifyStart implements game.Notifier.
func (s *Server) NotifyStart(ev game.StartEvent) {
	s.subscribeGameCmd(ev.GameID)
	frame := wire.GameStart{
		GameID:       ev.GameID,
		WhiteID:      ev.White.ID,
		White:        ev.White.Handle,
		BlackID:      ev.Black.ID,
		Black:        ev.Black.Handle,
		TimeControl:  ev.TimeControl.Name,
		BaseMs:       ev.TimeControl.BaseMs,
		IncrementMs:  ev.TimeControl.IncrementMs,
		VariantIndex: ev.VariantIndex,
		StartFEN:     ev.StartFEN,
	}
	for _, id := range ev.Recipients {
		s.sendTo(id, wire.TGameStart, frame)
	}
}

// NotifyMove implements game.Notifier.
func (s *Server) NotifyMove(ev game.MoveEvent) {
	frame := wire.GameMove{
		GameID:  ev.GameID,
		Seq:     ev.Seq,
		UCI:     ev.UCI,
		SAN:     ev.SAN,
		WhiteMs: ev.WhiteMs,
		BlackMs: ev.BlackMs,
		Turn:    ev.Turn,
	}
	for _, id := range ev.Recipients {
		s.sendTo(id, wire.TGameMove, frame)
	}
}

// NotifyEnd implements game.Notifier.
func (s *Server) NotifyEnd(ev game.EndEvent) {
	s.unsubscribeGameCmd(ev.GameID)
	frame := wire.GameEnd{
		GameID:  ev.GameID,
		Result:  ev.Result,
		Reason:  ev.Reason,
		WhiteMs: ev.WhiteMs,
		BlackMs: ev.BlackMs,
	}
	for _, id := range ev.Recipients {
		s.sendTo(id, wire.TGameEnd, frame)
	}
}

// NotifyDrawOffer implements game.Notifier.
func (s *Server) NotifyDrawOffer(ev game.DrawOfferEvent) {
	s.sendTo(ev.To, wire.TDrawOffer, wire.DrawOffer{
		GameID: ev.GameID,
		FromID: ev.From,
		From:   ev.FromHandle,
	})
}

// Finish implements game.Finisher: archive the game, settle ratings, and push
// the end notification. All of it is fire-and-forget off the game path.
func (s *Server) Finish(rec game.Record) {
	go s.finish(rec)
}

func (s *Server) finish(rec game.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if s.up != nil {
		fg := upstream.FinishedGame{
			GameID:       rec.GameID,
			WhiteID:      rec.White.ID,
			BlackID:      rec.Black.ID,
			WhiteHandle:  rec.White.Handle,
			BlackHandle:  rec.Black.Handle,
			TimeControl:  rec.TimeControl.Name,
			VariantIndex: rec.VariantIndex,
			StartFEN:     rec.StartFEN,
			MovesUCI:     rec.MovesUCI,
			MovesSAN:     rec.MovesSAN,
			Result:       rec.Result,
			Reason:       rec.Reason,
			WhiteMs:      rec.WhiteMs,
			BlackMs:      rec.BlackMs,
			Source:       rec.Source,
			StartedAt:    rec.StartedAt.UnixMilli(),
			EndedAt:      rec.EndedAt.UnixMilli(),
		}
		if err := s.up.SaveGame(ctx, fg); err != nil {
			obslog.L().Warn("game_archive_error", zap.String("game_id", rec.GameID), zap.Error(err))
		}
	}

	if rec.Result != game.ResultAbort {
		s.settleRating(ctx, rec, rec.White, rec.Black, scoreFor(rec.Result, "white"))
		s.settleRating(ctx, rec, rec.Black, rec.White, scoreFor(rec.Result, "black"))
	}

	s.pushEndNotification(rec)
}

func (s *Server) settleRating(ctx context.Context, rec game.Record, p, opp game.PlayerInfo, score rating.Score) {
	if identity.IsGuestID(p.ID) {
		games := 0
		if gd, err := s.guests.GetGuestData(ctx, p.ID); err == nil && gd != nil {
			games = gd.Games
		}
		delta := s.elo.Delta(p.Rating, opp.Rating, games, score)
		summary := identity.GameSummary{
			GameID:      rec.GameID,
			Opponent:    opp.Handle,
			TimeControl: rec.TimeControl.Name,
			Result:      scoreName(score),
			FinishedAt:  rec.EndedAt,
		}
		if err := s.guests.RecordGameResult(ctx, p.ID, rec.TimeControl.Name, delta, summary); err != nil {
			obslog.L().Warn("guest_rating_error", zap.String("guest_id", p.ID), zap.Error(err))
		}
		return
	}
	if s.up == nil {
		return
	}
	upd := upstream.RatingUpdate{
		UserID:      p.ID,
		TimeControl: rec.TimeControl.Name,
		GameID:      rec.GameID,
		Score:       scoreName(score),
	}
	if err := s.up.SaveRating(ctx, upd); err != nil {
		obslog.L().Warn("rating_save_error", zap.String("user_id", p.ID), zap.Error(err))
	}
}

func (s *Server) pushEndNotification(rec game.Record) {
	winner, loser := rec.White.Handle, rec.Black.Handle
	if rec.Result == game.ResultBlack {
		winner, loser = rec.Black.Handle, rec.White.Handle
	}
	if rec.Reason == "timeout_insufficient" {
		// Drawn flag fall: name the side that still had time.
		winner = rec.White.Handle
		if rec.WhiteMs == 0 {
			winner = rec.Black.Handle
		}
	}
	text := s.cat.RenderOr("game.end."+reasonKey(rec.Reason), "Game over.", map[string]any{
		"Winner": winner,
		"Loser":  loser,
	})
	for _, id := range []string{rec.White.ID, rec.Black.ID} {
		s.sendTo(id, wire.TNotification, wire.Notification{Kind: "game.end", Text: text})
	}
}

func reasonKey(reason string) string {
	switch reason {
	case "timeout_insufficient":
		return "timeout_draw"
	case "draw_agreed":
		return "draw"
	default:
		return reason
	}
}

func scoreFor(result, side string) rating.Score {
	switch result {
	case game.ResultDraw:
		return rating.Draw
	case game.ResultWhite:
		if side == "white" {
			return rating.Win
		}
		return rating.Loss
	default: // black won
		if side == "black" {
			return rating.Win
		}
		return rating.Loss
	}
}

func scoreName(score rating.Score) string {
	switch score {
	case rating.Win:
		return "win"
	case rating.Draw:
		return "draw"
	default:
		return "loss"
	}
}
