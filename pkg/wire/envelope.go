package wire

import "encoding/json"

// Every frame on the socket is a tagged JSON object {"t": <type>, ...}.
// The tag selects the handler; unknown tags are ignored, not fatal.
const (
	TAuth          = "auth"
	TAuthSuccess   = "auth.success"
	TAuthError     = "auth.error"
	TChallenge     = "challenge.create"
	TChallengeMade = "challenge.created"
	TChallengeResp = "challenge.respond"
	TSeek          = "seek.create"
	TSeekCancel    = "seek.cancel"
	TGameStart     = "game.start"
	TMove          = "move"
	TGameMove      = "game.move"
	TGameAttach    = "game.attach"
	TGameState     = "game.state"
	TGameEnd       = "game.end"
	TResign        = "resign"
	TDrawOffer     = "draw.offer"
	TDrawRespond   = "draw.respond"
	TError         = "error"
	TNotification  = "notification.new"
	TNotifCount    = "notification.count"
	TTyping        = "message.typing"
	TPing          = "ping"
	TPong          = "pong"
)

// Envelope is the minimal frame used to sniff the tag before decoding
// the concrete payload.
type Envelope struct {
	T string `json:"t"`
}

// Raw pairs a tag with its undecoded payload for dispatch.
type Raw struct {
	T    string
	Body json.RawMessage
}

// Tagged wraps an arbitrary payload with its tag for outbound encoding.
// The payload fields are flattened next to "t" by marshalling the payload
// and injecting the tag, so the client sees a single flat object.
func Tagged(t string, payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.Marshal(Envelope{T: t})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["t"] = t
	return json.Marshal(m)
}
