package wsbridge

import "github.com/codefionn/netcore/internal/service"

// Message types
const (
	MessageTypeWelcome = "welcome"
	MessageTypeCall    = "call"
	MessageTypeResult  = "result"
	MessageTypeError   = "error"
	MessageTypePing    = "ping"
	MessageTypePong    = "pong"
	MessageTypeNotice  = "notice"
)

// Message is one JSON text frame in either direction
type Message struct {
	Type string `json:"type"`
	// ID correlates a call with its result or error
	ID      string           `json:"id,omitempty"`
	Op      string           `json:"op,omitempty"`
	Params  service.Document `json:"params,omitempty"`
	Result  service.Document `json:"result,omitempty"`
	Session string           `json:"session,omitempty"`

	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

func faultMessage(id, op string, f *service.Fault) *Message {
	return &Message{
		Type:       MessageTypeError,
		ID:         id,
		Op:         op,
		Error:      f.Message,
		StatusCode: f.Status,
		StatusText: f.StatusText(),
	}
}
