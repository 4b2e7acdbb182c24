// Package dispatcher turns decoded client events into authorization,
// rate limiting, persistence and room fan-out. Each event is handled on
// its own and never fails the process.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ticketrelay/internal/authz"
	"ticketrelay/internal/message"
	"ticketrelay/internal/metrics"
	"ticketrelay/internal/ratelimit"
	"ticketrelay/internal/session"
	"ticketrelay/pkg/interfaces"
	"ticketrelay/pkg/types"
)

// DefaultTimeout bounds the store calls made for a single event.
const DefaultTimeout = 5 * time.Second

// Dispatcher handles inbound events for every connection. It holds no
// per-connection state; that lives in the Session passed to each call.
type Dispatcher struct {
	store    interfaces.Store
	messages *message.Service
	limiter  *ratelimit.Limiter
	rooms    interfaces.Broadcaster
	logger   zerolog.Logger
	now      func() time.Time
	timeout  time.Duration

	// placeholderMu makes the owns-no-ticket check and the insert atomic.
	placeholderMu sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock injects the time source used for outbound timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithTimeout sets the per-event store deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New creates a dispatcher.
func New(store interfaces.Store, messages *message.Service, limiter *ratelimit.Limiter, rooms interfaces.Broadcaster, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		messages: messages,
		limiter:  limiter,
		rooms:    rooms,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch decodes one wire frame and handles it. Decode failures are
// reported to conn like any other per-event error.
func (d *Dispatcher) Dispatch(ctx context.Context, conn interfaces.Connection, sess *session.Session, frame []byte) error {
	ev, err := types.DecodeInbound(frame)
	if err != nil {
		sess.Touch()
		metrics.EventsHandled.WithLabelValues("unknown", outcome(err)).Inc()
		d.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("rejected inbound frame")
		d.reportError(conn, "", err)
		return err
	}
	return d.Handle(ctx, conn, sess, ev)
}

// Handle runs a decoded event. The returned error has already been sent
// to conn as an error event.
func (d *Dispatcher) Handle(ctx context.Context, conn interfaces.Connection, sess *session.Session, ev types.InboundEvent) (err error) {
	name := ev.EventName()
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", name).
				Str("session_id", sess.ID()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
			d.reportError(conn, name, err)
		}
		metrics.EventsHandled.WithLabelValues(name, outcome(err)).Inc()
		metrics.DispatchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	sess.Touch()
	if !sess.Authenticated() {
		d.reportError(conn, name, types.ErrUnauthenticatedSession)
		return types.ErrUnauthenticatedSession
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch e := ev.(type) {
	case types.JoinEvent:
		err = d.join(ctx, conn, sess, e)
	case types.LeaveEvent:
		err = d.leave(conn, sess, e)
	case types.MessageEvent:
		err = d.message(ctx, conn, sess, e)
	case types.TypingEvent:
		err = d.typing(conn, sess, e)
	case types.EditEvent:
		err = d.edit(ctx, sess, e)
	case types.DeleteEvent:
		err = d.softDelete(ctx, sess, e)
	default:
		err = fmt.Errorf("%w: %q", types.ErrUnknownEvent, name)
	}

	if err != nil {
		d.logEventError(sess, name, err)
		d.reportError(conn, name, err)
	}
	return err
}

// logEventError keeps caller mistakes at debug; anything else is a fault
// on this side.
func (d *Dispatcher) logEventError(sess *session.Session, event string, err error) {
	level := zerolog.ErrorLevel
	if message.IsClientError(err) {
		level = zerolog.DebugLevel
	}
	d.logger.WithLevel(level).
		Err(err).
		Str("event", event).
		Str("session_id", sess.ID()).
		Msg("event failed")
}

// Disconnect records the end of a connection. Room membership is dropped
// by the transport when it unregisters the connection.
func (d *Dispatcher) Disconnect(conn interfaces.Connection, sess *session.Session) {
	identity := sess.Identity()
	event := d.logger.Info().
		Str("session_id", sess.ID()).
		Str("identity_kind", string(identity.Kind)).
		Str("identity_id", identity.SubjectID()).
		Dur("session_duration", d.now().Sub(sess.CreatedAt()))
	if ticketID, ok := sess.BoundTicket(); ok {
		event = event.Int64("ticket_id", ticketID)
	}
	event.Msg("connection closed")
}

func (d *Dispatcher) join(ctx context.Context, conn interfaces.Connection, sess *session.Session, e types.JoinEvent) error {
	if e.TicketID <= 0 {
		return &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindTicketIDInvalid}}
	}
	identity := sess.Identity()

	ticket, err := d.resolveTicket(ctx, identity, e.TicketID)
	if err != nil {
		return err
	}

	if !authz.IsAuthorizedToJoin(identity, ticket) {
		d.logger.Warn().
			Str("type", "security").
			Str("session_id", sess.ID()).
			Str("identity_kind", string(identity.Kind)).
			Str("identity_id", identity.SubjectID()).
			Int64("ticket_id", ticket.ID).
			Msg("room join denied")
		return types.ErrAuthorizationDenied
	}

	size := d.rooms.Join(conn, authz.RoomKey(ticket.ID))
	sess.BindTicket(ticket.ID)

	d.send(conn, types.EventJoined, types.JoinedPayload{
		Success:   true,
		Data:      types.JoinedData{TicketID: ticket.ID, RoomSize: size},
		Timestamp: d.now(),
	})
	return nil
}

// resolveTicket loads the ticket a join targets. A registered non-admin
// user who owns no ticket yet gets a placeholder in place of a missing one.
func (d *Dispatcher) resolveTicket(ctx context.Context, identity types.Identity, ticketID int64) (*types.Ticket, error) {
	ticket, err := d.store.GetTicket(ctx, ticketID)
	if err == nil {
		return ticket, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}
	if !authz.CanCreatePlaceholder(identity) {
		return nil, types.ErrTicketNotFound
	}

	d.placeholderMu.Lock()
	defer d.placeholderMu.Unlock()

	if _, err := d.store.FindTicketByWorkspaceUser(ctx, identity.WorkspaceUserID); err == nil {
		return nil, types.ErrTicketNotFound
	} else if !types.IsNotFound(err) {
		return nil, err
	}

	return d.createPlaceholder(ctx, identity, ticketID)
}

func (d *Dispatcher) createPlaceholder(ctx context.Context, identity types.Identity, requested int64) (*types.Ticket, error) {
	userID := identity.WorkspaceUserID
	ticket := &types.Ticket{
		Status:          types.TicketStatusOpen,
		Priority:        types.TicketPriorityNormal,
		WorkspaceUserID: &userID,
	}
	if identity.WorkspaceID > 0 {
		workspaceID := identity.WorkspaceID
		ticket.WorkspaceID = &workspaceID
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		ticket.TicketNumber = newTicketNumber()
		err = d.store.CreateTicket(ctx, ticket)
		if !isDuplicate(err) {
			break
		}
	}
	if err != nil {
		d.logger.Error().Err(err).Int64("workspace_user_id", userID).Msg("failed to create placeholder ticket")
		return nil, err
	}

	metrics.PlaceholderTickets.Inc()
	d.logger.Info().
		Int64("requested_ticket_id", requested).
		Int64("ticket_id", ticket.ID).
		Str("ticket_number", ticket.TicketNumber).
		Int64("workspace_user_id", userID).
		Msg("created placeholder ticket")
	return ticket, nil
}

func newTicketNumber() string {
	return "TKT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (d *Dispatcher) leave(conn interfaces.Connection, sess *session.Session, e types.LeaveEvent) error {
	if e.TicketID <= 0 {
		return &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindTicketIDInvalid}}
	}
	d.rooms.Leave(conn, authz.RoomKey(e.TicketID))
	sess.Unbind(e.TicketID)
	d.send(conn, types.EventLeft, types.LeftPayload{TicketID: e.TicketID, Timestamp: d.now()})
	return nil
}

func (d *Dispatcher) message(ctx context.Context, conn interfaces.Connection, sess *session.Session, e types.MessageEvent) error {
	ticketID := e.TicketID
	bound, isBound := sess.BoundTicket()
	if isBound {
		ticketID = bound
	}

	req := message.CreateRequest{
		TicketID:      ticketID,
		Body:          e.Body,
		IsInternal:    e.IsInternal,
		ReplyToID:     e.ReplyToID,
		ReplySnapshot: e.ReplySnapshot,
	}
	if err := types.NewValidationError(d.messages.Validate(req.Payload())); err != nil {
		return err
	}

	identity := sess.Identity()
	if !isBound {
		if err := d.authorize(ctx, identity, ticketID); err != nil {
			return err
		}
	}

	if !d.limiter.TryConsume(sess.RateLimitKey()) {
		metrics.RateLimitHits.WithLabelValues("websocket").Inc()
		return d.rateLimitError(sess.RateLimitKey())
	}

	msg, err := d.persist(ctx, identity, req)
	if err != nil {
		return err
	}

	if e.TempID != "" {
		d.send(conn, types.EventAck, types.AckPayload{
			TempID:       e.TempID,
			MessageID:    msg.ID,
			SavedMessage: msg,
		})
	}
	d.broadcastMessage(msg)
	return nil
}

// PostMessage persists and broadcasts a message sent outside a WebSocket
// session. As on the gateway, quota under rateKey is only spent once the
// payload is valid and the ticket authorized.
func (d *Dispatcher) PostMessage(ctx context.Context, identity types.Identity, rateKey string, req message.CreateRequest) (*types.Message, error) {
	if identity.IsZero() {
		return nil, types.ErrUnauthenticatedSession
	}
	if err := types.NewValidationError(d.messages.Validate(req.Payload())); err != nil {
		return nil, err
	}
	if err := d.authorize(ctx, identity, req.TicketID); err != nil {
		return nil, err
	}
	if !d.limiter.TryConsume(rateKey) {
		metrics.RateLimitHits.WithLabelValues("http").Inc()
		return nil, d.rateLimitError(rateKey)
	}
	msg, err := d.persist(ctx, identity, req)
	if err != nil {
		return nil, err
	}
	d.broadcastMessage(msg)
	return msg, nil
}

// RoomSize returns the live member count of a ticket room the identity may join.
func (d *Dispatcher) RoomSize(ctx context.Context, identity types.Identity, ticketID int64) (int, error) {
	if ticketID <= 0 {
		return 0, &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindTicketIDInvalid}}
	}
	if err := d.authorize(ctx, identity, ticketID); err != nil {
		return 0, err
	}
	return d.rooms.RoomSize(authz.RoomKey(ticketID)), nil
}

func (d *Dispatcher) rateLimitError(key string) *types.RateLimitError {
	remaining, resetIn := d.limiter.Status(key)
	return &types.RateLimitError{Limit: d.limiter.Limit(), Remaining: remaining, ResetIn: resetIn}
}

func (d *Dispatcher) authorize(ctx context.Context, identity types.Identity, ticketID int64) error {
	ticket, err := d.store.GetTicket(ctx, ticketID)
	if types.IsNotFound(err) {
		return types.ErrTicketNotFound
	}
	if err != nil {
		return err
	}
	if !authz.IsAuthorizedToJoin(identity, ticket) {
		return types.ErrAuthorizationDenied
	}
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, identity types.Identity, req message.CreateRequest) (*types.Message, error) {
	msg, err := d.messages.Create(ctx, req, identity)
	if err != nil {
		return nil, err
	}
	visibility := "public"
	if msg.IsInternal {
		visibility = "internal"
	}
	metrics.MessagesPersisted.WithLabelValues(visibility).Inc()
	return msg, nil
}

// broadcastMessage fans a stored message out to its room. Delivery is
// best-effort and never undoes the write.
func (d *Dispatcher) broadcastMessage(msg *types.Message) {
	delivered := d.publish(msg, types.EventMessageReceived, msg)
	d.logger.Debug().
		Int64("message_id", msg.ID).
		Int64("ticket_id", msg.TicketID).
		Bool("internal", msg.IsInternal).
		Int("delivered", delivered).
		Msg("message broadcast")
}

// publish sends payload to the message's ticket room. Internal notes only
// reach registered members.
func (d *Dispatcher) publish(msg *types.Message, event string, payload interface{}) int {
	room := authz.RoomKey(msg.TicketID)
	if !msg.IsInternal {
		return d.rooms.Publish(room, event, payload)
	}
	return d.rooms.PublishWhere(room, event, payload, func(c interfaces.Connection) bool {
		return authz.MaySeeInternal(c.Identity())
	})
}

func (d *Dispatcher) typing(conn interfaces.Connection, sess *session.Session, e types.TypingEvent) error {
	ticketID := e.TicketID
	if ticketID <= 0 {
		if bound, ok := sess.BoundTicket(); ok {
			ticketID = bound
		}
	}
	if ticketID <= 0 {
		return &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindTicketIDInvalid}}
	}

	room := authz.RoomKey(ticketID)
	if !d.rooms.InRoom(conn, room) {
		return types.ErrAuthorizationDenied
	}

	identity := sess.Identity()
	userID := identity.SubjectID()
	if userID == "" {
		userID = sess.ID()
	}
	d.rooms.PublishWhere(room, types.EventTyping, types.TypingPayload{
		TicketID: ticketID,
		IsTyping: e.IsTyping,
		UserID:   userID,
		UserType: string(identity.Kind),
	}, func(c interfaces.Connection) bool {
		return c.ID() != conn.ID()
	})
	return nil
}

func (d *Dispatcher) edit(ctx context.Context, sess *session.Session, e types.EditEvent) error {
	msg, err := d.messages.Edit(ctx, e.MessageID, e.NewBody, sess.Identity())
	if err != nil {
		return err
	}
	d.publish(msg, types.EventMessageEdited, types.MessageEditedPayload{
		MessageID: msg.ID,
		TicketID:  msg.TicketID,
		Body:      msg.Body,
		IsEdited:  msg.IsEdited,
		EditCount: msg.EditCount,
		EditedAt:  msg.EditedAt,
	})
	return nil
}

func (d *Dispatcher) softDelete(ctx context.Context, sess *session.Session, e types.DeleteEvent) error {
	msg, err := d.messages.SoftDelete(ctx, e.MessageID, sess.Identity())
	if err != nil {
		return err
	}
	d.publish(msg, types.EventMessageDeleted, types.MessageDeletedPayload{
		MessageID: msg.ID,
		TicketID:  msg.TicketID,
		IsDeleted: msg.IsDeleted,
		DeletedAt: msg.DeletedAt,
	})
	return nil
}

// send queues a direct reply. A full queue loses the reply, not the event.
func (d *Dispatcher) send(conn interfaces.Connection, event string, payload interface{}) {
	if err := conn.Send(event, payload); err != nil {
		d.logger.Warn().Err(err).Str("session_id", conn.ID()).Str("event", event).Msg("failed to queue outbound event")
	}
}

// reportError sends the client-safe rendering of err to conn only.
func (d *Dispatcher) reportError(conn interfaces.Connection, event string, err error) {
	payload := ErrorPayload(event, err, d.now())
	if sendErr := conn.Send(types.EventError, payload); sendErr != nil {
		d.logger.Warn().Err(sendErr).Str("session_id", conn.ID()).Msg("failed to queue error event")
	}
}
