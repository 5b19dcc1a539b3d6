package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/hbomb79/Hoard/internal/http/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Title     string         `json:"title"`
	Arguments map[string]any `json:"arguments"`
	Type      int            `json:"type"`
}

// startHub runs a hub behind a test server. Sockets are opened with an
// 'owner' query parameter, or without one for an admin socket.
func startHub(t *testing.T) (*websocket.SocketHub, *httptest.Server, context.CancelFunc) {
	hub := websocket.New()
	hub.WithConnectionCallback(func(owner *uuid.UUID) map[string]interface{} {
		return map[string]interface{}{"admin": owner == nil}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Start(ctx)
	}()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var owner *uuid.UUID
		if raw := r.URL.Query().Get("owner"); raw != "" {
			id := uuid.MustParse(raw)
			owner = &id
		}

		hub.UpgradeToSocket(w, r, owner)
	}))

	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})

	return hub, server, cancel
}

func dial(t *testing.T, server *httptest.Server, owner *uuid.UUID) *gorilla.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if owner != nil {
		url += "?owner=" + owner.String()
	}

	// The hub may still be starting up
	var conn *gorilla.Conn
	require.Eventually(t, func() bool {
		c, resp, err := gorilla.DefaultDialer.Dial(url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return false
		}

		conn = c
		return true
	}, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { conn.Close() })

	welcome := read(t, conn)
	require.Equal(t, "CONNECTION_ESTABLISHED", welcome.Title)
	require.Equal(t, int(websocket.Welcome), welcome.Type)
	require.Equal(t, owner == nil, welcome.Arguments["admin"])
	require.NotEmpty(t, welcome.Arguments["client"])

	return conn
}

func read(t *testing.T, conn *gorilla.Conn) received {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func Test_MessagesAreDeliveredToTheirAudience(t *testing.T) {
	t.Parallel()
	hub, server, _ := startHub(t)

	alice, bob := uuid.New(), uuid.New()
	aliceConn := dial(t, server, &alice)
	adminConn := dial(t, server, nil)

	hub.Send(&websocket.SocketMessage{Title: "FOR_BOB", Body: map[string]interface{}{}, Type: websocket.Update, Audience: &bob})
	hub.Send(&websocket.SocketMessage{Title: "FOR_NOBODY", Body: map[string]interface{}{}, Type: websocket.Update})
	hub.Send(&websocket.SocketMessage{Title: "FOR_ALICE", Body: map[string]interface{}{"n": 1}, Type: websocket.Update, Audience: &alice})

	// Messages are delivered in order, so alice seeing her message first
	// means the others were withheld from her
	msg := read(t, aliceConn)
	assert.Equal(t, "FOR_ALICE", msg.Title)
	assert.Equal(t, int(websocket.Update), msg.Type)
	assert.EqualValues(t, 1, msg.Arguments["n"])

	for _, title := range []string{"FOR_BOB", "FOR_NOBODY", "FOR_ALICE"} {
		assert.Equal(t, title, read(t, adminConn).Title)
	}
}

func Test_ClosingHubDisconnectsClients(t *testing.T) {
	t.Parallel()
	hub, server, cancel := startHub(t)
	conn := dial(t, server, nil)

	cancel()
	start := time.Now()
	require.NoError(t, conn.SetReadDeadline(start.Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second, "socket should be closed by the hub, not time out")

	// Sending to a closed hub must not block
	hub.Send(&websocket.SocketMessage{Title: "LATE"})
}

func Test_UpgradeRequiresRunningHub(t *testing.T) {
	t.Parallel()
	hub := websocket.New()

	rec := httptest.NewRecorder()
	hub.UpgradeToSocket(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
