package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketrelay/internal/session"
	"ticketrelay/pkg/interfaces"
	"ticketrelay/pkg/types"
)

// newServerConnection returns a server-side Connection and the client end.
func newServerConnection(t *testing.T, queueSize int) (*Connection, *websocket.Conn) {
	t.Helper()
	ready := make(chan *Connection, 1)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ready <- NewConnection(conn, session.New(types.Guest(7)), queueSize, time.Second, zerolog.Nop())
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-ready:
		t.Cleanup(func() { _ = c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never upgraded")
		return nil, nil
	}
}

func TestConnection_SendWritesEnvelope(t *testing.T) {
	conn, client := newServerConnection(t, 10)

	require.NoError(t, conn.Send(types.EventLeft, types.LeftPayload{TicketID: 5}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var env types.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, types.EventLeft, env.Event)
	assert.JSONEq(t, `{"ticketId":5,"timestamp":"0001-01-01T00:00:00Z"}`, string(env.Data))
}

func TestConnection_IdentityComesFromSession(t *testing.T) {
	conn, _ := newServerConnection(t, 10)
	assert.Equal(t, conn.Session().ID(), conn.ID())
	assert.Equal(t, types.Guest(7), conn.Identity())
}

func TestConnection_FullQueueDrops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// no writer goroutine, so the queue never drains
	conn := &Connection{
		session: session.New(types.Guest(7)),
		writeCh: make(chan []byte, 2),
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
	}

	require.NoError(t, conn.Send("typing", nil))
	require.NoError(t, conn.Send("typing", nil))
	assert.ErrorIs(t, conn.Send("typing", nil), interfaces.ErrSendQueueFull)
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn, client := newServerConnection(t, 10)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send("typing", nil), interfaces.ErrConnectionClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed")
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err, "client observes the close")
}

func TestConnection_SendRejectsUnencodablePayload(t *testing.T) {
	conn, _ := newServerConnection(t, 10)
	assert.ErrorIs(t, conn.Send("typing", make(chan int)), ErrInvalidJSON)
}
