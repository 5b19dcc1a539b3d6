package websocket

import (
	"github.com/google/uuid"
)

type socketMessageType int

const (
	Update socketMessageType = iota
	Welcome
)

// SocketMessage is a message pushed to connected clients. Audience limits
// the message to the sockets opened by that client (admin sockets receive
// every message); a nil Audience is delivered to admin sockets only.
type SocketMessage struct {
	Title    string                 `json:"title"`
	Body     map[string]interface{} `json:"arguments"`
	Type     socketMessageType      `json:"type"`
	Audience *uuid.UUID             `json:"-"`
}
