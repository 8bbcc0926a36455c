package wire

// ChallengeRequest asks the server to create a direct challenge.
type ChallengeRequest struct {
	ReceiverID   string `json:"receiver_id"`
	TimeControl  string `json:"time_control"` // "3+2" style
	RatingMin    int    `json:"rating_min,omitempty"`
	RatingMax    int    `json:"rating_max,omitempty"`
	VariantIndex int    `json:"variant_index,omitempty"` // -1 = draw at random
}

// ChallengeCreated is sent to both the sender and (via identity routing)
// the receiver.
type ChallengeCreated struct {
	ChallengeID string `json:"challenge_id"`
	SenderID    string `json:"sender_id"`
	Sender      string `json:"sender"`
	ReceiverID  string `json:"receiver_id"`
	TimeControl string `json:"time_control"`
	ExpiresAt   int64  `json:"expires_at"` // unix millis
}

// ChallengeResponse accepts or declines a pending challenge.
type ChallengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Accept      bool   `json:"accept"`
}

// SeekRequest enters the quick-pairing queue.
type SeekRequest struct {
	TimeControl string `json:"time_control"`
	RatingMin   int    `json:"rating_min,omitempty"`
	RatingMax   int    `json:"rating_max,omitempty"`
}
