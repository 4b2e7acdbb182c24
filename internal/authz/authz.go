// Package authz decides who may join a ticket's room.
package authz

import (
	"strconv"
	"strings"

	"ticketrelay/pkg/types"
)

// RoomPrefix prefixes every ticket room key.
const RoomPrefix = "support-ticket:"

// RoomKey returns the broadcast room for a ticket.
func RoomKey(ticketID int64) string {
	return RoomPrefix + strconv.FormatInt(ticketID, 10)
}

// TicketFromRoom parses a room key back into its ticket id.
func TicketFromRoom(room string) (int64, bool) {
	if !strings.HasPrefix(room, RoomPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(room, RoomPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsAuthorizedToJoin applies, in order: administrators always; guests and
// registered users only their own tickets; anonymous callers only tickets
// with no owner at all.
func IsAuthorizedToJoin(identity types.Identity, ticket *types.Ticket) bool {
	if ticket == nil {
		return false
	}
	if identity.IsAdmin() {
		return true
	}
	switch identity.Kind {
	case types.IdentityRegistered:
		return ticket.WorkspaceUserID != nil && *ticket.WorkspaceUserID == identity.WorkspaceUserID
	case types.IdentityGuest:
		return ticket.GuestUserID != nil && *ticket.GuestUserID == identity.GuestID
	case types.IdentityAnonymous:
		return ticket.IsPublic()
	default:
		return false
	}
}

// MaySeeInternal reports whether a member may receive internal notes.
func MaySeeInternal(identity types.Identity) bool {
	return identity.Kind == types.IdentityRegistered
}

// CanCreatePlaceholder reports whether a missing ticket may be substituted
// with a freshly created one for this identity.
func CanCreatePlaceholder(identity types.Identity) bool {
	return identity.Kind == types.IdentityRegistered && !identity.IsAdmin()
}
