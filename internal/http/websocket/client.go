package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type socketClient struct {
	id     uuid.UUID
	owner  *uuid.UUID
	socket *websocket.Conn
	mutex  sync.Mutex
}

// receives returns true if this client should be sent the message provided.
func (client *socketClient) receives(message *SocketMessage) bool {
	if client.owner == nil {
		return true
	}

	return message.Audience != nil && *message.Audience == *client.owner
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.socket.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return client.socket.WriteJSON(message)
}

// Read consumes (and discards) messages sent by the client until the
// connection closes, which is reported as the returned error. Clients
// cannot issue commands over the socket; reading is only required so that
// control frames are processed and disconnects are noticed.
func (client *socketClient) Read() error {
	for {
		if _, _, err := client.socket.NextReader(); err != nil {
			return err
		}
	}
}

// Close will close this clients socket
func (client *socketClient) Close() {
	client.socket.Close()
}
