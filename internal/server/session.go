package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/castlegate/arena/internal/auth"
	"github.com/castlegate/arena/internal/game"
	"github.com/castlegate/arena/internal/identity"
	"github.com/castlegate/arena/internal/match"
	"github.com/castlegate/arena/internal/obslog"
	"github.com/castlegate/arena/internal/rating"
	"github.com/castlegate/arena/internal/registry"
	"github.com/castlegate/arena/internal/rules"
	"github.com/castlegate/arena/pkg/wire"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	client, err := s.reg.Register()
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "draining")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client.OnSlow(cancel)

	go s.writeLoop(ctx, conn, client)
	s.readLoop(ctx, conn, client)

	cancel()
	s.reg.Unregister(client.ID())
	conn.Close(websocket.StatusNormalClosure, "")
}

// writeLoop is the connection's single writer. Every outbound frame for this
// connection funnels through the registry queue.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, client *registry.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-client.Out():
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, frame)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (string, []byte, error) {
	var raw json.RawMessage
	if err := wsjson.Read(ctx, conn, &raw); err != nil {
		return "", nil, err
	}
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, err
	}
	return env.T, raw, nil
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *registry.Client) {
	ident, ok := s.handshake(ctx, conn, client)
	if !ok {
		return
	}

	for {
		tag, body, err := readFrame(ctx, conn)
		if err != nil {
			return
		}
		s.dispatch(ctx, client, ident, tag, body)
	}
}

// handshake enforces auth-first: the opening frame must be an auth request,
// within the handshake window. Handshake errors are written directly on the
// socket, not queued, so they reach the client before the connection is torn
// down; a rejected token may be retried on the same socket until the window
// closes.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, client *registry.Client) (identity.Identity, bool) {
	actx, acancel := context.WithTimeout(ctx, authTimeout)
	defer acancel()
	for {
		tag, body, err := readFrame(actx, conn)
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "auth required")
			return nil, false
		}
		if tag != wire.TAuth {
			s.writeFrame(actx, conn, s.errorFrame(wire.CodeAuth, "error.auth.handshake_required", nil, false))
			return nil, false
		}

		var req wire.AuthRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeFrame(actx, conn, s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
			return nil, false
		}

		ident, err := s.auth.Resolve(ctx, auth.Credentials{Token: req.Token, DisplayName: req.DisplayName})
		if err != nil {
			obslog.L().Info("auth_rejected", zap.String("conn_id", client.ID()), zap.Error(err))
			if errors.Is(err, auth.ErrInvalidToken) {
				if s.writeFrame(actx, conn, s.errorFrame(wire.CodeAuth, "error.auth.invalid_token", nil, true)) {
					continue
				}
				return nil, false
			}
			s.writeFrame(actx, conn, s.errorFrame(wire.CodeAuth, "error.auth.invalid_token", nil, false))
			return nil, false
		}
		if err := s.reg.Authenticate(client.ID(), ident); err != nil {
			s.writeFrame(actx, conn, s.errorFrame(wire.CodeAuth, "error.auth.handshake_required", nil, false))
			return nil, false
		}

		success := wire.AuthSuccess{
			IdentityID: ident.ID(),
			Handle:     ident.Handle(),
			Guest:      ident.IsGuest(),
			Ratings:    s.ratingsOf(ctx, ident),
			ServerID:   s.serverID,
		}
		if frame, err := wire.Tagged(wire.TAuthSuccess, success); err == nil {
			client.Queue(frame)
		}
		s.subscribeIdentity(ident.ID())
		obslog.L().Info("conn_authenticated",
			zap.String("conn_id", client.ID()),
			zap.String("identity_id", ident.ID()),
			zap.Bool("guest", ident.IsGuest()))

		if !ident.IsGuest() && s.up != nil {
			go s.pushNotificationCount(ident.ID())
		}
		return ident, true
	}
}

// writeFrame writes one frame straight to the socket, bypassing the outbound
// queue. Only safe before authentication: an unauthenticated connection is
// unreachable by Deliver and Broadcast, so the writer goroutine is idle.
func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame any) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, frame); err != nil {
		obslog.L().Debug("handshake_write_error", zap.Error(err))
		return false
	}
	return true
}

func (s *Server) pushNotificationCount(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.up.NotificationCount(ctx, userID)
	if err != nil {
		obslog.L().Warn("notification_count_error", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.sendTo(userID, wire.TNotifCount, wire.NotificationCount{Count: n})
}

func (s *Server) dispatch(ctx context.Context, client *registry.Client, ident identity.Identity, tag string, body []byte) {
	switch tag {
	case wire.TPing:
		if frame, err := wire.Tagged(wire.TPong, nil); err == nil {
			client.Queue(frame)
		}

	case wire.TAuth:
		client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))

	case wire.TSeek:
		var req wire.SeekRequest
		if err := json.Unmarshal(body, &req); err != nil {
			client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
			return
		}
		tc, err := game.ParseTimeControl(req.TimeControl)
		if err != nil {
			client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
			return
		}
		p := match.Player{ID: ident.ID(), Handle: ident.Handle(), Rating: s.ratingFor(ctx, ident, tc.Name)}
		if _, err := s.matcher.EnqueueSeek(p, req.RatingMin, req.RatingMax, tc.Name); err != nil {
			client.Queue(s.mappedError(err, ""))
		}

	case wire.TSeekCancel:
		s.matcher.CancelSeek(ident.ID())

	case wire.TChallenge:
		s.handleChallenge(ctx, client, ident, body)

	case wire.TChallengeResp:
		var req wire.ChallengeResponse
		if err := json.Unmarshal(body, &req); err != nil {
			client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
			return
		}
		p := match.Player{ID: ident.ID(), Handle: ident.Handle(), Rating: s.ratingFor(ctx, ident, "")}
		if _, err := s.matcher.Respond(req.ChallengeID, ident.ID(), req.Accept, p); err != nil {
			client.Queue(s.mappedError(err, ""))
		}

	case wire.TMove:
		var req wire.MoveRequest
		if err := json.Unmarshal(body, &req); err != nil {
			client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
			return
		}
		if !s.engine.Owns(req.GameID) {
			s.forwardGameCmd(gameCmd{Op: "move", GameID: req.GameID, IdentityID: ident.ID(), Seq: req.Seq, Move: req.Move})
			return
		}
		if _, err := s.engine.ApplyMove(req.GameID, ident.ID(), req.Seq, req.Move); err != nil {
			client.Queue(s.mappedError(err, req.Move))
		}

	case wire.TGameAttach:
		var req wire.AttachRequest
		if err := json.Unmarshal(body, &req); err != nil {
			client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
			return
		}
		if !s.engine.Owns(req.GameID) {
			s.forwardGameCmd(gameCmd{Op: "attach", GameID: req.GameID, IdentityID: ident.ID()})
			return
		}
		snap, err := s.engine.Attach(req.GameID, ident.ID())
		if err != nil {
			client.Queue(s.mappedError(err, ""))
			return
		}
		if frame, err := wire.Tagged(wire.TGameState, snapshotFrame(snap)); err == nil {
			client.Queue(frame)
		}

	case wire.TResign:
		s.gameAction(client, ident, body, "resign", func(gameID string) error {
			return s.engine.Resign(gameID, ident.ID())
		})

	case wire.TDrawOffer:
		s.gameAction(client, ident, body, "draw.offer", func(gameID string) error {
			_, err := s.engine.OfferDraw(gameID, ident.ID())
			return err
		})

	case wire.TDrawRespond:
		var req wire.DrawResponse
		if err := json.Unmarshal(body, &req); err != nil {
			client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
			return
		}
		if !s.engine.Owns(req.GameID) {
			s.forwardGameCmd(gameCmd{Op: "draw.respond", GameID: req.GameID, IdentityID: ident.ID(), Accept: req.Accept})
			return
		}
		if err := s.engine.RespondDraw(req.GameID, ident.ID(), req.Accept); err != nil {
			client.Queue(s.mappedError(err, ""))
		}

	case wire.TTyping:
		var req wire.Typing
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}
		if !s.engine.Owns(req.GameID) {
			s.forwardGameCmd(gameCmd{Op: "typing", GameID: req.GameID, IdentityID: ident.ID()})
			return
		}
		s.relayTyping(req.GameID, ident.ID())

	default:
		// Unknown tags are ignored so old servers tolerate new clients.
		obslog.L().Debug("frame_unknown_tag", zap.String("tag", tag))
	}
}

// gameAction handles the move-less game commands that carry only a game ref.
func (s *Server) gameAction(client *registry.Client, ident identity.Identity, body []byte, op string, local func(gameID string) error) {
	var ref wire.GameRef
	if err := json.Unmarshal(body, &ref); err != nil {
		client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
		return
	}
	if !s.engine.Owns(ref.GameID) {
		s.forwardGameCmd(gameCmd{Op: op, GameID: ref.GameID, IdentityID: ident.ID()})
		return
	}
	if err := local(ref.GameID); err != nil {
		client.Queue(s.mappedError(err, ""))
	}
}

func (s *Server) handleChallenge(ctx context.Context, client *registry.Client, ident identity.Identity, body []byte) {
	var req wire.ChallengeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
		return
	}
	tc, err := game.ParseTimeControl(req.TimeControl)
	if err != nil {
		client.Queue(s.errorFrame(wire.CodeProtocol, "error.protocol.malformed", nil, false))
		return
	}
	sender := match.Player{ID: ident.ID(), Handle: ident.Handle(), Rating: s.ratingFor(ctx, ident, tc.Name)}
	params := match.Params{
		TimeControl:  tc.Name,
		RatingMin:    req.RatingMin,
		RatingMax:    req.RatingMax,
		VariantIndex: req.VariantIndex,
	}
	ch, err := s.matcher.Challenge(sender, req.ReceiverID, params)
	if err != nil {
		client.Queue(s.mappedError(err, ""))
		return
	}

	frame := wire.ChallengeCreated{
		ChallengeID: ch.ID,
		SenderID:    ch.Sender.ID,
		Sender:      ch.Sender.Handle,
		ReceiverID:  ch.Receiver,
		TimeControl: ch.Params.TimeControl,
		ExpiresAt:   ch.ExpiresAt.UnixMilli(),
	}
	s.sendTo(ch.Sender.ID, wire.TChallengeMade, frame)
	s.sendTo(ch.Receiver, wire.TChallengeMade, frame)

	text := s.cat.RenderOr("notification.challenge_received", "New challenge.", map[string]any{
		"Sender":      ch.Sender.Handle,
		"TimeControl": ch.Params.TimeControl,
	})
	s.sendTo(ch.Receiver, wire.TNotification, wire.Notification{Kind: "challenge", Text: text})
}

// ratingFor resolves the identity's rating for one time control.
func (s *Server) ratingFor(ctx context.Context, ident identity.Identity, tc string) int {
	if ru, ok := ident.(*identity.RegisteredUser); ok {
		if r, ok := ru.Ratings[tc]; ok {
			return r
		}
		return rating.DefaultRating
	}
	if s.guests == nil {
		return rating.DefaultRating
	}
	return s.guests.Rating(ctx, ident.ID(), tc)
}

func (s *Server) ratingsOf(ctx context.Context, ident identity.Identity) map[string]int {
	if ru, ok := ident.(*identity.RegisteredUser); ok {
		return ru.Ratings
	}
	if s.guests == nil {
		return nil
	}
	if gd, err := s.guests.GetGuestData(ctx, ident.ID()); err == nil && gd != nil {
		return gd.Ratings
	}
	return nil
}

// errorFrame renders a catalog message into a tagged error frame.
func (s *Server) errorFrame(code, key string, data any, retryable bool) json.RawMessage {
	msg := s.cat.RenderOr(key, "Request failed.", data)
	frame, err := wire.Tagged(wire.TError, wire.WireError{Code: code, Message: msg, Retryable: retryable})
	if err != nil {
		return json.RawMessage(`{"t":"error","code":"protocol"}`)
	}
	return frame
}

// mappedError converts engine and matchmaking errors into the wire taxonomy.
func (s *Server) mappedError(err error, move string) json.RawMessage {
	code, key, retryable := classifyError(err)
	var data any
	if key == "error.state_conflict.illegal_move" {
		data = map[string]any{"Move": move}
	}
	return s.errorFrame(code, key, data, retryable)
}

func classifyError(err error) (code, key string, retryable bool) {
	switch {
	case errors.Is(err, game.ErrNotYourTurn):
		return wire.CodeStateConflict, "error.state_conflict.not_your_turn", false
	case errors.Is(err, game.ErrStaleSeq):
		return wire.CodeStateConflict, "error.state_conflict.stale_seq", true
	case errors.Is(err, rules.ErrIllegalMove):
		return wire.CodeStateConflict, "error.state_conflict.illegal_move", false
	case errors.Is(err, match.ErrSelfChallenge):
		return wire.CodeStateConflict, "error.state_conflict.self_challenge", false
	case errors.Is(err, match.ErrDuplicatePending):
		return wire.CodeStateConflict, "error.state_conflict.duplicate_pending", false
	case errors.Is(err, match.ErrNotReceiver):
		return wire.CodeStateConflict, "error.state_conflict.not_receiver", false
	case errors.Is(err, match.ErrSeekExists):
		return wire.CodeStateConflict, "error.state_conflict.seek_exists", false
	case errors.Is(err, game.ErrAlreadyInGame):
		return wire.CodeStateConflict, "error.state_conflict.player_busy", false
	case errors.Is(err, match.ErrExpired):
		return wire.CodeExpired, "error.expired.challenge", false
	case errors.Is(err, game.ErrCapacity), errors.Is(err, match.ErrCapacity), errors.Is(err, game.ErrNotAccepting):
		return wire.CodeCapacity, "error.capacity.games", true
	case errors.Is(err, game.ErrUnknownGame), errors.Is(err, match.ErrUnknownChallenge),
		errors.Is(err, game.ErrGameOver), errors.Is(err, game.ErrNotStarted),
		errors.Is(err, game.ErrNoDrawOffer), errors.Is(err, game.ErrAbortTooLate),
		errors.Is(err, game.ErrNotPlayer):
		return wire.CodeStateConflict, "error.state_conflict.stale_seq", false
	default:
		return wire.CodeProtocol, "error.protocol.malformed", false
	}
}

// sendMoveError and sendGameError route errors for commands executed on
// behalf of a remote instance back over the sender's identity topic.
func (s *Server) sendMoveError(identityID, move string, err error) {
	code, key, retryable := classifyError(err)
	var data any
	if key == "error.state_conflict.illegal_move" {
		data = map[string]any{"Move": move}
	}
	msg := s.cat.RenderOr(key, "Request failed.", data)
	s.sendTo(identityID, wire.TError, wire.WireError{Code: code, Message: msg, Retryable: retryable})
}

func (s *Server) sendGameError(identityID string, err error) {
	s.sendMoveError(identityID, "", err)
}
