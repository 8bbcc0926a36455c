package wire

// Error taxonomy codes. These match the error classes the server guarantees:
// auth and state_conflict are recoverable for the sender, protocol errors may
// close the socket, expired/capacity are advisory.
const (
	CodeAuth          = "auth"
	CodeProtocol      = "protocol"
	CodeStateConflict = "state_conflict"
	CodeExpired       = "expired"
	CodeCapacity      = "capacity"
)

// WireError is delivered on the offending connection only; it never
// affects unrelated games or connections.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e WireError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "arena error"
}
