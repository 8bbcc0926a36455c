package wire

// AuthRequest is the first frame a client must send. A session token
// authenticates a registered player; a bare display name mints a guest.
type AuthRequest struct {
	Token       string `json:"token,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// AuthSuccess confirms the handshake and echoes the resolved identity.
type AuthSuccess struct {
	IdentityID string         `json:"identity_id"`
	Handle     string         `json:"handle"`
	Guest      bool           `json:"guest"`
	Ratings    map[string]int `json:"ratings,omitempty"`
	ServerID   string         `json:"server_id"`
}

// Typing mirrors the legacy client's typing indicator; relayed verbatim
// to the opponent, never processed.
type Typing struct {
	GameID string `json:"game_id"`
}

// NotificationCount is pushed after auth and whenever the upstream count
// changes while the player is connected.
type NotificationCount struct {
	Count int `json:"count"`
}

// Notification carries a single upstream notification payload.
type Notification struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}
