package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ticketrelay/internal/authz"
	"ticketrelay/internal/metrics"
	"ticketrelay/internal/session"
	"ticketrelay/pkg/interfaces"
	"ticketrelay/pkg/types"
)

// Gateway defaults.
const (
	DefaultSendQueueSize = 100
	DefaultWriteTimeout  = 5 * time.Second
	DefaultPongWait      = 60 * time.Second
	DefaultPingInterval  = 30 * time.Second
	DefaultReadLimit     = 64 * 1024
)

// Config tunes the gateway transport.
type Config struct {
	SendQueueSize    int
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	HandshakeTimeout time.Duration
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
	// UpgradesPerSecond and UpgradeBurst throttle upgrades per client IP.
	UpgradesPerSecond float64
	UpgradeBurst      int
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		SendQueueSize:     DefaultSendQueueSize,
		WriteTimeout:      DefaultWriteTimeout,
		PongWait:          DefaultPongWait,
		PingInterval:      DefaultPingInterval,
		ReadLimit:         DefaultReadLimit,
		HandshakeTimeout:  10 * time.Second,
		UpgradesPerSecond: 5,
		UpgradeBurst:      10,
	}
}

// Authenticator resolves the identity behind a handshake.
type Authenticator interface {
	Authenticate(r *http.Request) types.Identity
}

// EventDispatcher handles inbound frames for a connection.
type EventDispatcher interface {
	Dispatch(ctx context.Context, conn interfaces.Connection, sess *session.Session, frame []byte) error
	Disconnect(conn interfaces.Connection, sess *session.Session)
}

// Handler is the connection gateway: it authenticates once, upgrades,
// registers the connection and pumps its frames into the dispatcher.
type Handler struct {
	registry   *Registry
	sessions   *session.Manager
	auth       Authenticator
	dispatcher EventDispatcher
	throttle   *UpgradeThrottle
	upgrader   websocket.Upgrader
	config     Config
	logger     zerolog.Logger
}

// NewHandler creates a gateway handler.
func NewHandler(registry *Registry, sessions *session.Manager, auth Authenticator, dispatcher EventDispatcher, config Config, logger zerolog.Logger) *Handler {
	h := &Handler{
		registry:   registry,
		sessions:   sessions,
		auth:       auth,
		dispatcher: dispatcher,
		throttle:   NewUpgradeThrottle(config.UpgradesPerSecond, config.UpgradeBurst),
		config:     config,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	return h
}

// Throttle exposes the upgrade throttle so the owner can run its sweeper.
func (h *Handler) Throttle() *UpgradeThrottle { return h.throttle }

// CloseIdle closes connections whose session sent no event for longer
// than maxIdle. Their read loops then clean up as on any disconnect.
func (h *Handler) CloseIdle(maxIdle time.Duration) int {
	closed := 0
	for _, sess := range h.sessions.Idle(maxIdle) {
		conn, ok := h.registry.Get(sess.ID())
		if !ok {
			continue
		}
		if err := conn.Close(); err != nil {
			h.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("failed to close idle connection")
			continue
		}
		metrics.IdleConnectionsClosed.Inc()
		h.logger.Info().
			Str("session_id", sess.ID()).
			Time("last_activity", sess.LastActivity()).
			Msg("closed idle connection")
		closed++
	}
	return closed
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request. Bad credentials never refuse the
// connection; they yield an anonymous session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.throttle.Allow(ip) {
		metrics.UpgradesThrottled.Inc()
		h.logger.Warn().Str("type", "security").Str("remote_ip", ip).Msg("upgrade throttled")
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity := h.auth.Authenticate(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote_ip", ip).Msg("websocket upgrade failed")
		return
	}

	sess := h.sessions.Open(identity)
	wsConn := NewConnection(conn, sess, h.config.SendQueueSize, h.config.WriteTimeout, h.logger)

	if err := h.registry.Register(wsConn); err != nil {
		h.logger.Error().Err(err).Str("session_id", sess.ID()).Msg("failed to register connection")
		h.sessions.Close(sess.ID())
		_ = wsConn.Close()
		return
	}

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.WithLabelValues(string(identity.Kind)).Inc()
	h.logger.Info().
		Str("session_id", sess.ID()).
		Str("identity_kind", string(identity.Kind)).
		Str("identity_id", identity.SubjectID()).
		Str("remote_ip", ip).
		Msg("connection opened")

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump. Frames from one connection are
// dispatched in arrival order on this goroutine.
func (h *Handler) handleConnection(conn *Connection) {
	sess := conn.Session()
	defer func() {
		if left := leftTickets(h.registry.Unregister(conn)); len(left) > 0 {
			h.logger.Debug().Str("session_id", sess.ID()).Ints64("tickets", left).Msg("left ticket rooms")
		}
		h.sessions.Close(sess.ID())
		_ = conn.Close()
		metrics.ConnectionsActive.Dec()
		h.dispatcher.Disconnect(conn, sess)
	}()

	pongWait := h.config.PongWait
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}
	pingInterval := h.config.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 9 / 10
	}
	if h.config.ReadLimit > 0 {
		conn.conn.SetReadLimit(h.config.ReadLimit)
	}

	if err := conn.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Debug().Err(err).Msg("failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.pingLoop(conn, pingInterval)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// Sends are not tied to the connection: a disconnect after this
		// point never rolls back an accepted message.
		_ = h.dispatcher.Dispatch(context.Background(), conn, sess, data)
	}
}

func (h *Handler) pingLoop(conn *Connection, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(conn.writeTimeout)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func leftTickets(rooms []string) []int64 {
	var tickets []int64
	for _, room := range rooms {
		if ticketID, ok := authz.TicketFromRoom(room); ok {
			tickets = append(tickets, ticketID)
		}
	}
	return tickets
}
