package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  hello   world  \n", "hello world"},
		{"hi", "hi"},
		{"a\t\tb\r\nc", "a b c"},
		{"   ", ""},
		{"a \u2003 b", "a b"},
		{"a\u00a0\u00a0b", "a b"},
		{"a\u3000\u3000b", "a b"},
		{"a\u2028b", "a b"},
		{"\u00a0edge\u0085", "edge"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "Sanitize(%q)", tt.in)
	}
}

func TestMessagePayload_ValidateAcceptsBoundaries(t *testing.T) {
	for _, body := range []string{"x", "  padded  ", strings.Repeat("é", MaxBodyLength)} {
		p := MessagePayload{TicketID: 1, Body: body}
		assert.Empty(t, p.Validate(), "body of %d runes", len([]rune(strings.TrimSpace(body))))
	}

	p := MessagePayload{TicketID: 9, Body: "reply", ReplyToID: int64Ptr(3)}
	assert.Empty(t, p.Validate())
}

func TestMessagePayload_ValidateCollectsAllViolations(t *testing.T) {
	p := MessagePayload{TicketID: 5, Body: "", ReplyToID: int64Ptr(0)}
	kinds := p.Validate()

	assert.Contains(t, kinds, ErrKindBodyEmpty)
	assert.Contains(t, kinds, ErrKindReplyToIDInvalid)
	assert.GreaterOrEqual(t, len(kinds), 2)

	p = MessagePayload{TicketID: -1, Body: strings.Repeat("a", MaxBodyLength+1), ReplyToID: int64Ptr(-4)}
	assert.ElementsMatch(t, []ErrorKind{ErrKindTicketIDInvalid, ErrKindBodyTooLong, ErrKindReplyToIDInvalid}, p.Validate())
}

func TestValidationError(t *testing.T) {
	assert.NoError(t, NewValidationError(nil))

	err := NewValidationError([]ErrorKind{ErrKindBodyEmpty, ErrKindTicketIDInvalid})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, ve.Has(ErrKindBodyEmpty))
	assert.False(t, ve.Has(ErrKindBodyTooLong))
	assert.Contains(t, err.Error(), "body_empty")
}

func TestRetryAfterSeconds_RoundsUp(t *testing.T) {
	assert.Equal(t, 0, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, 60, RetryAfterSeconds(time.Minute))
}

func TestIdentity_SenderRefAndKeys(t *testing.T) {
	guest := Guest(7)
	assert.Equal(t, SenderRef{GuestUserID: 7}, guest.SenderRef())
	assert.Equal(t, "guest:7", guest.RateLimitKey("conn-1"))

	member := Registered(42, 3, RoleMember)
	assert.Equal(t, SenderRef{WorkspaceUserID: 42}, member.SenderRef())
	assert.False(t, member.IsAdmin())

	agent := Registered(42, 3, RoleAgent)
	agent.SupportAgentID = 11
	assert.Equal(t, SenderRef{SupportAgentID: 11}, agent.SenderRef())

	anon := Anonymous()
	assert.True(t, anon.SenderRef().IsEmpty())
	assert.Equal(t, "anonymous:conn-1", anon.RateLimitKey("conn-1"))

	assert.True(t, Registered(1, 1, RoleAdmin).IsAdmin())
	assert.True(t, Registered(1, 1, RoleOwner).IsAdmin())
	assert.True(t, Identity{}.IsZero())
}

func TestMessage_ResolveSenderPrecedence(t *testing.T) {
	m := &Message{SenderRef: SenderRef{SupportAgentID: 2, WorkspaceUserID: 3, GuestUserID: 4}}
	assert.Equal(t, SenderTypeSupportAgent, m.ResolveSender().Type)

	m = &Message{SenderRef: SenderRef{WorkspaceUserID: 3, GuestUserID: 4}, SenderName: "Dana"}
	assert.Equal(t, Sender{Name: "Dana", Type: SenderTypeWorkspaceUser, ID: 3}, m.ResolveSender())

	m = &Message{SenderRef: SenderRef{GuestUserID: 4}}
	assert.Equal(t, Sender{Name: "Guest #4", Type: SenderTypeGuest, ID: 4}, m.ResolveSender())

	m = &Message{}
	assert.Equal(t, SenderTypeAnonymous, m.ResolveSender().Type)
}

func TestMessage_JSONFlattensSenderRef(t *testing.T) {
	m := Message{ID: 1, TicketID: 5, Body: "hi", SenderRef: SenderRef{GuestUserID: 7}}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 7, raw["guestUserId"])
	assert.NotContains(t, raw, "workspaceUserId")
	assert.NotContains(t, raw, "SenderName")
}

func TestDecodeInbound(t *testing.T) {
	ev, err := DecodeInbound([]byte(`{"event":"join","data":5}`))
	require.NoError(t, err)
	assert.Equal(t, JoinEvent{TicketID: 5}, ev)

	ev, err = DecodeInbound([]byte(`{"event":"message","data":{"ticketId":5,"body":"hi","tempId":"t1","replyToId":2}}`))
	require.NoError(t, err)
	msg, ok := ev.(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, int64(5), msg.TicketID)
	assert.Equal(t, "t1", msg.TempID)
	require.NotNil(t, msg.ReplyToID)
	assert.Equal(t, int64(2), *msg.ReplyToID)

	ev, err = DecodeInbound([]byte(`{"event":"message-edit","data":{"ticketId":5,"messageId":9,"newBody":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, EditEvent{TicketID: 5, MessageID: 9, NewBody: "x"}, ev)

	ev, err = DecodeInbound([]byte(`{"event":"typing","data":{"ticketId":5,"isTyping":true}}`))
	require.NoError(t, err)
	assert.Equal(t, EventTyping, ev.EventName())
}

func TestDecodeInbound_RejectsBadShapes(t *testing.T) {
	cases := map[string]error{
		`not json`:                                    ErrMalformedPayload,
		`{"event":"join","data":"five"}`:              ErrMalformedPayload,
		`{"event":"join"}`:                            ErrMalformedPayload,
		`{"event":"message","data":{"ticketId":"x"}}`: ErrMalformedPayload,
		`{"event":"subscribe","data":1}`:              ErrUnknownEvent,
	}
	for frame, want := range cases {
		_, err := DecodeInbound([]byte(frame))
		assert.ErrorIs(t, err, want, frame)
	}
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("constraint failed")
	err := error(&PersistenceError{Kind: PersistenceNotFound, Op: "get message", Err: cause})
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsNotFound(cause))
}
