package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventMessage       = "message"
	EventTyping        = "typing"
	EventMessageEdit   = "message-edit"
	EventMessageDelete = "message-delete"
)

// Outbound event names.
const (
	EventJoined          = "joined"
	EventLeft            = "left"
	EventMessageReceived = "message-received"
	EventAck             = "ack"
	EventMessageEdited   = "message-edited"
	EventMessageDeleted  = "message-deleted"
	EventError           = "error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEnvelope is Envelope with an unencoded payload.
type OutboundEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// InboundEvent is the decoded, shape-checked union of client events.
type InboundEvent interface {
	EventName() string
}

type JoinEvent struct {
	TicketID int64
}

type LeaveEvent struct {
	TicketID int64
}

type MessageEvent struct {
	TicketID      int64  `json:"ticketId"`
	Body          string `json:"body"`
	TempID        string `json:"tempId,omitempty"`
	IsInternal    bool   `json:"isInternal,omitempty"`
	ReplyToID     *int64 `json:"replyToId,omitempty"`
	ReplySnapshot string `json:"replySnapshot,omitempty"`
}

type TypingEvent struct {
	TicketID int64 `json:"ticketId"`
	IsTyping bool  `json:"isTyping"`
}

type EditEvent struct {
	TicketID  int64  `json:"ticketId"`
	MessageID int64  `json:"messageId"`
	NewBody   string `json:"newBody"`
}

type DeleteEvent struct {
	TicketID  int64 `json:"ticketId"`
	MessageID int64 `json:"messageId"`
}

func (JoinEvent) EventName() string    { return EventJoin }
func (LeaveEvent) EventName() string   { return EventLeave }
func (MessageEvent) EventName() string { return EventMessage }
func (TypingEvent) EventName() string  { return EventTyping }
func (EditEvent) EventName() string    { return EventMessageEdit }
func (DeleteEvent) EventName() string  { return EventMessageDelete }

// DecodeInbound parses one wire frame into a typed event. Frames with an
// unknown event name or a payload of the wrong shape never reach a handler.
func DecodeInbound(frame []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var (
		ev  InboundEvent
		err error
	)
	switch env.Event {
	case EventJoin:
		var id int64
		err = decodeData(env.Data, &id)
		ev = JoinEvent{TicketID: id}
	case EventLeave:
		var id int64
		err = decodeData(env.Data, &id)
		ev = LeaveEvent{TicketID: id}
	case EventMessage:
		var m MessageEvent
		err = decodeData(env.Data, &m)
		ev = m
	case EventTyping:
		var t TypingEvent
		err = decodeData(env.Data, &t)
		ev = t
	case EventMessageEdit:
		var e EditEvent
		err = decodeData(env.Data, &e)
		ev = e
	case EventMessageDelete:
		var d DeleteEvent
		err = decodeData(env.Data, &d)
		ev = d
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Event, err)
	}
	return ev, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

// JoinedData is the body of a successful join.
type JoinedData struct {
	TicketID int64 `json:"ticketId"`
	RoomSize int   `json:"roomSize"`
}

type JoinedPayload struct {
	Success   bool       `json:"success"`
	Data      JoinedData `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
}

type LeftPayload struct {
	TicketID  int64     `json:"ticketId"`
	Timestamp time.Time `json:"timestamp"`
}

type AckPayload struct {
	TempID       string   `json:"tempId"`
	MessageID    int64    `json:"messageId"`
	SavedMessage *Message `json:"savedMessage"`
}

type TypingPayload struct {
	TicketID int64  `json:"ticketId"`
	IsTyping bool   `json:"isTyping"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

type MessageEditedPayload struct {
	MessageID int64      `json:"messageId"`
	TicketID  int64      `json:"ticketId"`
	Body      string     `json:"body"`
	IsEdited  bool       `json:"isEdited"`
	EditCount int        `json:"editCount"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

type MessageDeletedPayload struct {
	MessageID int64      `json:"messageId"`
	TicketID  int64      `json:"ticketId"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

type ErrorPayload struct {
	Error     string      `json:"error"`
	Event     string      `json:"event,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RateLimitDetails is attached to rate limit error payloads.
type RateLimitDetails struct {
	Limit      int   `json:"limit"`
	Remaining  int   `json:"remaining"`
	ResetInMs  int64 `json:"resetInMs"`
	RetryAfter int   `json:"retryAfter"`
}
