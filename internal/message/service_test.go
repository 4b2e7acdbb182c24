package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketrelay/internal/storetest"
	"ticketrelay/pkg/types"
)

func int64Ptr(v int64) *int64 { return &v }

func newTestService(t *testing.T) (*Service, *storetest.Memory, *types.Ticket) {
	t.Helper()
	store := storetest.NewMemory()
	ticket := store.AddTicket(types.Ticket{TicketNumber: "TKT-00000001", GuestUserID: int64Ptr(7)})
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := NewService(store, zerolog.Nop(), WithClock(func() time.Time { return fixed }))
	return svc, store, ticket
}

func validationKinds(t *testing.T, err error) []types.ErrorKind {
	t.Helper()
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
	return ve.Kinds
}

func TestService_CreateSanitizesAndSetsSender(t *testing.T) {
	svc, store, ticket := newTestService(t)

	msg, err := svc.Create(context.Background(), CreateRequest{
		TicketID: ticket.ID,
		Body:     "  hello   world  \n",
	}, types.Guest(7))
	require.NoError(t, err)

	assert.Equal(t, "hello world", msg.Body)
	assert.Equal(t, types.SenderRef{GuestUserID: 7}, msg.SenderRef)
	assert.True(t, msg.IsVisible)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, types.Sender{Name: "Guest #7", Type: types.SenderTypeGuest, ID: 7}, *msg.Sender)
	assert.Len(t, store.Messages(), 1)
}

func TestService_CreateSenderFieldByIdentity(t *testing.T) {
	agent := types.Registered(42, 3, types.RoleAgent)
	agent.SupportAgentID = 11
	agent.Name = "Riley"

	tests := []struct {
		name     string
		identity types.Identity
		wantRef  types.SenderRef
		wantType string
	}{
		{"guest", types.Guest(7), types.SenderRef{GuestUserID: 7}, types.SenderTypeGuest},
		{"member", types.Registered(42, 3, types.RoleMember), types.SenderRef{WorkspaceUserID: 42}, types.SenderTypeWorkspaceUser},
		{"agent context", agent, types.SenderRef{SupportAgentID: 11}, types.SenderTypeSupportAgent},
		{"anonymous", types.Anonymous(), types.SenderRef{}, types.SenderTypeAnonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, ticket := newTestService(t)
			msg, err := svc.Create(context.Background(), CreateRequest{TicketID: ticket.ID, Body: "hi"}, tt.identity)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRef, msg.SenderRef)
			assert.Equal(t, tt.wantType, msg.Sender.Type)
		})
	}
}

func TestService_CreateRejectsInvalidPayloadWithoutPersisting(t *testing.T) {
	svc, store, ticket := newTestService(t)

	_, err := svc.Create(context.Background(), CreateRequest{
		TicketID:  ticket.ID,
		Body:      "   ",
		ReplyToID: int64Ptr(0),
	}, types.Guest(7))

	kinds := validationKinds(t, err)
	assert.Contains(t, kinds, types.ErrKindBodyEmpty)
	assert.Contains(t, kinds, types.ErrKindReplyToIDInvalid)
	assert.Zero(t, store.Calls("CreateMessage"))

	_, err = svc.Create(context.Background(), CreateRequest{
		TicketID: ticket.ID,
		Body:     strings.Repeat("x", types.MaxBodyLength+1),
	}, types.Guest(7))
	assert.Equal(t, []types.ErrorKind{types.ErrKindBodyTooLong}, validationKinds(t, err))
}

func TestService_CreateInternalOnlyForRegistered(t *testing.T) {
	svc, _, ticket := newTestService(t)
	ctx := context.Background()

	guestMsg, err := svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "note", IsInternal: true}, types.Guest(7))
	require.NoError(t, err)
	assert.False(t, guestMsg.IsInternal)

	staffMsg, err := svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "note", IsInternal: true}, types.Registered(1, 1, types.RoleAdmin))
	require.NoError(t, err)
	assert.True(t, staffMsg.IsInternal)
}

func TestService_CreateReply(t *testing.T) {
	svc, store, ticket := newTestService(t)
	ctx := context.Background()
	other := store.AddTicket(types.Ticket{TicketNumber: "TKT-00000002"})

	parent, err := svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "question"}, types.Guest(7))
	require.NoError(t, err)

	reply, err := svc.Create(ctx, CreateRequest{
		TicketID:      ticket.ID,
		Body:          "answer",
		ReplyToID:     int64Ptr(parent.ID),
		ReplySnapshot: "  " + strings.Repeat("q", 300),
	}, types.Registered(1, 1, types.RoleAdmin))
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyToID)
	assert.Equal(t, parent.ID, *reply.ReplyToID)
	assert.Len(t, []rune(reply.ReplySnapshot), types.MaxReplySnapshotLength)

	_, err = svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "x", ReplyToID: int64Ptr(999)}, types.Guest(7))
	assert.Equal(t, []types.ErrorKind{types.ErrKindReplyToNotFound}, validationKinds(t, err))

	_, err = svc.Create(ctx, CreateRequest{TicketID: other.ID, Body: "x", ReplyToID: int64Ptr(parent.ID)}, types.Anonymous())
	assert.Equal(t, []types.ErrorKind{types.ErrKindReplyToNotFound}, validationKinds(t, err), "reply must stay within the ticket")
}

func TestService_CreatePersistenceFailure(t *testing.T) {
	svc, store, ticket := newTestService(t)
	cause := &types.PersistenceError{Kind: types.PersistenceGeneric, Op: "create message", Err: errors.New("disk I/O error")}
	store.FailNext("CreateMessage", cause)

	_, err := svc.Create(context.Background(), CreateRequest{TicketID: ticket.ID, Body: "hi"}, types.Guest(7))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsClientError(err))
}

func TestService_CreateRequiresIdentity(t *testing.T) {
	svc, _, ticket := newTestService(t)

	_, err := svc.Create(context.Background(), CreateRequest{TicketID: ticket.ID, Body: "hi"}, types.Identity{})
	assert.ErrorIs(t, err, types.ErrUnauthenticatedSession)
}

func TestService_EditOwnMessage(t *testing.T) {
	svc, _, ticket := newTestService(t)
	ctx := context.Background()
	guest := types.Guest(7)

	msg, err := svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "frist"}, guest)
	require.NoError(t, err)

	edited, err := svc.Edit(ctx, msg.ID, "  first  ", guest)
	require.NoError(t, err)
	assert.Equal(t, "first", edited.Body)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, 1, edited.EditCount)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), *edited.EditedAt)

	edited, err = svc.Edit(ctx, msg.ID, "first!", guest)
	require.NoError(t, err)
	assert.Equal(t, 2, edited.EditCount, "edit count only increases")
}

func TestService_EditOwnership(t *testing.T) {
	svc, _, ticket := newTestService(t)
	ctx := context.Background()

	msg, err := svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "mine"}, types.Guest(7))
	require.NoError(t, err)

	_, err = svc.Edit(ctx, msg.ID, "yours", types.Guest(8))
	assert.ErrorIs(t, err, types.ErrNotSenderOfMessage)

	_, err = svc.Edit(ctx, msg.ID, "yours", types.Registered(7, 1, types.RoleAdmin))
	assert.ErrorIs(t, err, types.ErrNotSenderOfMessage, "admins do not own other senders' messages")

	_, err = svc.Edit(ctx, 9999, "nothing", types.Guest(7))
	assert.ErrorIs(t, err, types.ErrNotSenderOfMessage)

	_, err = svc.Edit(ctx, msg.ID, "anon", types.Anonymous())
	assert.ErrorIs(t, err, types.ErrNotSenderOfMessage)
}

func TestService_EditValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Edit(context.Background(), 0, "", types.Guest(7))
	kinds := validationKinds(t, err)
	assert.ElementsMatch(t, []types.ErrorKind{types.ErrKindMessageIDInvalid, types.ErrKindBodyEmpty}, kinds)
}

func TestService_EditAfterDeleteIsRejected(t *testing.T) {
	svc, _, ticket := newTestService(t)
	ctx := context.Background()
	guest := types.Guest(7)

	msg, err := svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "soon gone"}, guest)
	require.NoError(t, err)

	_, err = svc.SoftDelete(ctx, msg.ID, guest)
	require.NoError(t, err)

	_, err = svc.Edit(ctx, msg.ID, "back again", guest)
	assert.ErrorIs(t, err, types.ErrMessageDeleted)
	assert.True(t, IsClientError(err))
}

func TestIsClientError(t *testing.T) {
	client := []error{
		&types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindBodyEmpty}},
		&types.RateLimitError{Limit: 10},
		types.ErrAuthorizationDenied,
		types.ErrTicketNotFound,
		fmt.Errorf("%w: %q", types.ErrUnknownEvent, "shout"),
		types.ErrMalformedPayload,
	}
	for _, err := range client {
		assert.True(t, IsClientError(err), "%v", err)
	}
	assert.False(t, IsClientError(errors.New("boom")))
	assert.False(t, IsClientError(&types.PersistenceError{Kind: types.PersistenceNotFound, Op: "get ticket"}))
}

func TestService_SoftDelete(t *testing.T) {
	svc, store, ticket := newTestService(t)
	ctx := context.Background()
	guest := types.Guest(7)

	msg, err := svc.Create(ctx, CreateRequest{TicketID: ticket.ID, Body: "secret"}, guest)
	require.NoError(t, err)

	_, err = svc.SoftDelete(ctx, msg.ID, types.Guest(8))
	assert.ErrorIs(t, err, types.ErrNotSenderOfMessage)

	deleted, err := svc.SoftDelete(ctx, msg.ID, guest)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, types.DeletedMessageBody, deleted.Body)
	require.NotNil(t, deleted.DeletedAt)

	again, err := svc.SoftDelete(ctx, msg.ID, guest)
	require.NoError(t, err, "deleting twice is idempotent")
	assert.Equal(t, *deleted.DeletedAt, *again.DeletedAt)

	stored := store.Messages()
	require.Len(t, stored, 1, "never physically removed")
	assert.Equal(t, types.DeletedMessageBody, stored[0].Body)
}

func TestService_SoftDeleteValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.SoftDelete(context.Background(), -3, types.Guest(7))
	assert.Equal(t, []types.ErrorKind{types.ErrKindMessageIDInvalid}, validationKinds(t, err))
}
