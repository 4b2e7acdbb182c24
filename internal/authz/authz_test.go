package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ticketrelay/pkg/types"
)

func id(v int64) *int64 { return &v }

func TestIsAuthorizedToJoin(t *testing.T) {
	guestTicket := &types.Ticket{ID: 1, GuestUserID: id(7)}
	memberTicket := &types.Ticket{ID: 2, WorkspaceUserID: id(42), WorkspaceID: id(3)}
	publicTicket := &types.Ticket{ID: 3}

	tests := []struct {
		name     string
		identity types.Identity
		ticket   *types.Ticket
		want     bool
	}{
		{"admin joins any guest ticket", types.Registered(1, 3, types.RoleAdmin), guestTicket, true},
		{"owner joins any member ticket", types.Registered(1, 3, types.RoleOwner), memberTicket, true},
		{"guest joins own ticket", types.Guest(7), guestTicket, true},
		{"guest denied other guest ticket", types.Guest(8), guestTicket, false},
		{"guest denied member ticket", types.Guest(42), memberTicket, false},
		{"guest denied public ticket", types.Guest(7), publicTicket, false},
		{"member joins own ticket", types.Registered(42, 3, types.RoleMember), memberTicket, true},
		{"agent joins own ticket", types.Registered(42, 3, types.RoleAgent), memberTicket, true},
		{"member denied other ticket", types.Registered(43, 3, types.RoleMember), memberTicket, false},
		{"member denied guest ticket with matching number", types.Registered(7, 3, types.RoleMember), guestTicket, false},
		{"anonymous joins public ticket", types.Anonymous(), publicTicket, true},
		{"anonymous denied guest ticket", types.Anonymous(), guestTicket, false},
		{"anonymous denied member ticket", types.Anonymous(), memberTicket, false},
		{"unresolved identity denied", types.Identity{}, publicTicket, false},
		{"nil ticket denied", types.Registered(1, 3, types.RoleAdmin), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthorizedToJoin(tt.identity, tt.ticket))
		})
	}
}

func TestRoomKey(t *testing.T) {
	assert.Equal(t, "support-ticket:55", RoomKey(55))

	ticketID, ok := TicketFromRoom("support-ticket:55")
	assert.True(t, ok)
	assert.Equal(t, int64(55), ticketID)

	for _, bad := range []string{"support-ticket:", "support-ticket:abc", "other:5", "support-ticket:-1"} {
		_, ok := TicketFromRoom(bad)
		assert.False(t, ok, bad)
	}
}

func TestPlaceholderAndInternalRules(t *testing.T) {
	assert.True(t, CanCreatePlaceholder(types.Registered(1, 1, types.RoleMember)))
	assert.False(t, CanCreatePlaceholder(types.Registered(1, 1, types.RoleAdmin)))
	assert.False(t, CanCreatePlaceholder(types.Guest(1)))
	assert.False(t, CanCreatePlaceholder(types.Anonymous()))

	assert.True(t, MaySeeInternal(types.Registered(1, 1, types.RoleMember)))
	assert.False(t, MaySeeInternal(types.Guest(1)))
	assert.False(t, MaySeeInternal(types.Anonymous()))
}
