package apperr

import "errors"

// Error is a categorised pipeline failure. Callers wrap one of the sentinel
// values below with fmt.Errorf("%w: ...") and match them with errors.Is.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error categories
var (
	ErrCodec    = &Error{Type: "codec_error", Message: "malformed embedding payload", Code: 2001}
	ErrSession  = &Error{Type: "session_error", Message: "inference session unavailable", Code: 2002}
	ErrInput    = &Error{Type: "input_error", Message: "invalid prompt input", Code: 2003}
	ErrState    = &Error{Type: "state_error", Message: "operation out of order", Code: 2004}
	ErrProtocol = &Error{Type: "protocol_error", Message: "protocol violation", Code: 2005}
	ErrDecode   = &Error{Type: "decode_error", Message: "mask decode failed", Code: 2006}
	ErrNetwork  = &Error{Type: "network_error", Message: "network operation failed", Code: 2007}
)

// Sub-reasons, always wrapped together with their category.
var (
	ErrNoBackendAvailable = errors.New("no backend available")
	ErrUnknownType        = errors.New("unknown message type")
	ErrQueueFull          = errors.New("message queue full")
	ErrRateLimited        = errors.New("rate limited")
)

var categories = []*Error{ErrCodec, ErrSession, ErrInput, ErrState, ErrProtocol, ErrDecode, ErrNetwork}

// KindOf returns the category type of err, or "internal_error" when err does
// not wrap any category.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		if errors.Is(err, c) {
			return c.Type
		}
	}
	return "internal_error"
}
