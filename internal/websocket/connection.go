package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ticketrelay/internal/metrics"
	"ticketrelay/internal/session"
	"ticketrelay/pkg/interfaces"
	"ticketrelay/pkg/types"
)

// Connection wraps a WebSocket with a single writer goroutine. Every
// outbound frame goes through writeCh, so Send is safe from any goroutine.
type Connection struct {
	conn         *websocket.Conn
	session      *session.Session
	writeCh      chan []byte
	writeTimeout time.Duration
	logger       zerolog.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection starts the writer for conn. queueSize bounds the frames
// waiting for a slow client.
func NewConnection(conn *websocket.Conn, sess *session.Session, queueSize int, writeTimeout time.Duration, logger zerolog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		session:      sess,
		writeCh:      make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("session_id", sess.ID()).Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed, closing connection")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the session id.
func (c *Connection) ID() string { return c.session.ID() }

// Identity returns the handshake identity.
func (c *Connection) Identity() types.Identity { return c.session.Identity() }

// Session returns the per-connection state.
func (c *Connection) Session() *session.Session { return c.session }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Send queues an {"event","data"} frame. It never waits for the client: when
// the queue is full the frame is dropped and ErrSendQueueFull returned.
func (c *Connection) Send(event string, payload interface{}) error {
	select {
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(types.OutboundEnvelope{Event: event, Data: payload})
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		metrics.BroadcastDrops.Inc()
		c.logger.Warn().Str("event", event).Int("queue_size", cap(c.writeCh)).Msg("send queue full, dropping event")
		return interfaces.ErrSendQueueFull
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
