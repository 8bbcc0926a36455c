package wire

// GameStart announces a freshly created game to both players.
type GameStart struct {
	GameID       string `json:"game_id"`
	WhiteID      string `json:"white_id"`
	White        string `json:"white"`
	BlackID      string `json:"black_id"`
	Black        string `json:"black"`
	TimeControl  string `json:"time_control"`
	BaseMs       int64  `json:"base_ms"`
	IncrementMs  int64  `json:"increment_ms"`
	VariantIndex int    `json:"variant_index"`
	StartFEN     string `json:"start_fen"`
}

// MoveRequest is a client move submission. Seq must be exactly the game's
// next sequence number; the server clock, not ClientElapsedMs, is
// authoritative for time accounting.
type MoveRequest struct {
	GameID          string `json:"game_id"`
	Seq             int    `json:"seq"`
	Move            string `json:"move"` // UCI preferred, SAN accepted
	ClientElapsedMs int64  `json:"client_elapsed_ms,omitempty"`
}

// GameMove broadcasts an accepted move with the updated clocks.
type GameMove struct {
	GameID  string `json:"game_id"`
	Seq     int    `json:"seq"`
	UCI     string `json:"uci"`
	SAN     string `json:"san"`
	WhiteMs int64  `json:"white_ms"`
	BlackMs int64  `json:"black_ms"`
	Turn    string `json:"turn"`
}

// AttachRequest confirms reachability for a pending game or reattaches a
// reconnecting player/spectator to a running one.
type AttachRequest struct {
	GameID    string `json:"game_id"`
	Spectator bool   `json:"spectator,omitempty"`
}

// GameState is the full snapshot sent on attach.
type GameState struct {
	GameID   string   `json:"game_id"`
	Seq      int      `json:"seq"`
	MovesUCI []string `json:"moves_uci"`
	WhiteMs  int64    `json:"white_ms"`
	BlackMs  int64    `json:"black_ms"`
	Turn     string   `json:"turn"`
	Status   string   `json:"status"`
	StartFEN string   `json:"start_fen"`
}

// GameEnd is broadcast exactly once per game.
type GameEnd struct {
	GameID  string `json:"game_id"`
	Result  string `json:"result"` // "white", "black", "draw", "abort"
	Reason  string `json:"reason"` // "checkmate", "resign", "timeout", ...
	WhiteMs int64  `json:"white_ms"`
	BlackMs int64  `json:"black_ms"`
}

// DrawOffer routes a pending draw offer to the opponent.
type DrawOffer struct {
	GameID string `json:"game_id"`
	FromID string `json:"from_id"`
	From   string `json:"from"`
}

// DrawResponse answers a pending draw offer.
type DrawResponse struct {
	GameID string `json:"game_id"`
	Accept bool   `json:"accept"`
}

// GameRef identifies a game for move-less actions (resign, draw.offer).
type GameRef struct {
	GameID string `json:"game_id"`
}
