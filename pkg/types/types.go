package types

import (
	"fmt"
	"strconv"
	"time"
)

// IdentityKind classifies the actor bound to a connection.
type IdentityKind string

const (
	IdentityAnonymous  IdentityKind = "anonymous"
	IdentityGuest      IdentityKind = "guest"
	IdentityRegistered IdentityKind = "registered"
)

// Role is the workspace role carried by a registered identity.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleMember Role = "member"
)

// IsAdministrative reports whether the role bypasses ticket ownership checks.
func (r Role) IsAdministrative() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Identity is resolved once at handshake and never re-derived mid-session.
// Exactly the fields matching Kind are meaningful.
type Identity struct {
	Kind            IdentityKind `json:"kind"`
	GuestID         int64        `json:"guestId,omitempty"`
	WorkspaceUserID int64        `json:"workspaceUserId,omitempty"`
	WorkspaceID     int64        `json:"workspaceId,omitempty"`
	Role            Role         `json:"role,omitempty"`
	// SupportAgentID is set when a registered user acts in a support-agent context.
	SupportAgentID int64  `json:"supportAgentId,omitempty"`
	Name           string `json:"name,omitempty"`
}

// Anonymous returns the identity used for unauthenticated connections.
func Anonymous() Identity {
	return Identity{Kind: IdentityAnonymous}
}

// Guest returns a guest identity.
func Guest(guestID int64) Identity {
	return Identity{Kind: IdentityGuest, GuestID: guestID}
}

// Registered returns a workspace user identity.
func Registered(workspaceUserID, workspaceID int64, role Role) Identity {
	return Identity{
		Kind:            IdentityRegistered,
		WorkspaceUserID: workspaceUserID,
		WorkspaceID:     workspaceID,
		Role:            role,
	}
}

// IsZero reports whether no identity has been resolved.
func (i Identity) IsZero() bool {
	return i.Kind == ""
}

// IsAdmin reports whether the identity is a registered administrator.
func (i Identity) IsAdmin() bool {
	return i.Kind == IdentityRegistered && i.Role.IsAdministrative()
}

// IsSupportAgent reports whether the identity acts in a support-agent context.
func (i Identity) IsSupportAgent() bool {
	return i.Kind == IdentityRegistered && i.SupportAgentID > 0
}

// SubjectID returns the identifier used in outbound events and rate limit keys.
// Anonymous identities have none.
func (i Identity) SubjectID() string {
	switch i.Kind {
	case IdentityGuest:
		return strconv.FormatInt(i.GuestID, 10)
	case IdentityRegistered:
		return strconv.FormatInt(i.WorkspaceUserID, 10)
	default:
		return ""
	}
}

// RateLimitKey returns "kind:id". Anonymous identities use the fallback,
// normally the session id, so that each anonymous connection is counted apart.
func (i Identity) RateLimitKey(fallback string) string {
	id := i.SubjectID()
	if id == "" {
		id = fallback
	}
	return fmt.Sprintf("%s:%s", i.Kind, id)
}

// SenderRef returns the sender reference a message authored by this identity carries.
func (i Identity) SenderRef() SenderRef {
	switch {
	case i.Kind == IdentityGuest:
		return SenderRef{GuestUserID: i.GuestID}
	case i.IsSupportAgent():
		return SenderRef{SupportAgentID: i.SupportAgentID}
	case i.Kind == IdentityRegistered:
		return SenderRef{WorkspaceUserID: i.WorkspaceUserID}
	default:
		return SenderRef{}
	}
}

// Ticket status and priority values used for placeholder tickets.
const (
	TicketStatusOpen     = "open"
	TicketPriorityNormal = "normal"
)

// Ticket is the unit of room scoping and authorization.
type Ticket struct {
	ID              int64     `json:"id"`
	TicketNumber    string    `json:"ticketNumber"`
	Status          string    `json:"status"`
	Priority        string    `json:"priority"`
	GuestUserID     *int64    `json:"guestUserId,omitempty"`
	WorkspaceUserID *int64    `json:"workspaceUserId,omitempty"`
	WorkspaceID     *int64    `json:"workspaceId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// IsPublic reports whether the ticket has neither a guest nor a workspace owner.
func (t *Ticket) IsPublic() bool {
	return t.GuestUserID == nil && t.WorkspaceUserID == nil
}

// SenderType values of the derived sender projection.
const (
	SenderTypeSupportAgent  = "support_agent"
	SenderTypeWorkspaceUser = "workspace_user"
	SenderTypeGuest         = "guest"
	SenderTypeAnonymous     = "anonymous"
)

// SenderRef identifies the author of a message. At most one field is non-zero.
type SenderRef struct {
	GuestUserID     int64 `json:"guestUserId,omitempty"`
	WorkspaceUserID int64 `json:"workspaceUserId,omitempty"`
	SupportAgentID  int64 `json:"supportAgentId,omitempty"`
}

// IsEmpty reports whether the reference names nobody.
func (s SenderRef) IsEmpty() bool {
	return s.GuestUserID == 0 && s.WorkspaceUserID == 0 && s.SupportAgentID == 0
}

// Sender is the derived {name, type, id} projection attached to outbound messages.
type Sender struct {
	Name string `json:"name"`
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
}

// DeletedMessageBody replaces the body of soft-deleted messages.
const DeletedMessageBody = "This message was deleted"

// Message is a support-ticket chat message. Messages are never physically removed.
type Message struct {
	ID            int64      `json:"id"`
	TicketID      int64      `json:"ticketId"`
	Body          string     `json:"body"`
	SenderRef                // flattened sender reference fields
	SenderName    string     `json:"-"`
	IsInternal    bool       `json:"isInternal"`
	IsVisible     bool       `json:"isVisible"`
	IsEdited      bool       `json:"isEdited"`
	EditCount     int        `json:"editCount"`
	IsDeleted     bool       `json:"isDeleted"`
	ReplyToID     *int64     `json:"replyToId,omitempty"`
	ReplySnapshot string     `json:"replySnapshot,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	EditedAt      *time.Time `json:"editedAt,omitempty"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	Sender        *Sender    `json:"sender,omitempty"`
}

// ResolveSender derives the sender projection with precedence
// support agent > workspace user > guest.
func (m *Message) ResolveSender() Sender {
	switch {
	case m.SupportAgentID > 0:
		return Sender{Name: nameOr(m.SenderName, "Support Agent"), Type: SenderTypeSupportAgent, ID: m.SupportAgentID}
	case m.WorkspaceUserID > 0:
		return Sender{Name: nameOr(m.SenderName, "Workspace User"), Type: SenderTypeWorkspaceUser, ID: m.WorkspaceUserID}
	case m.GuestUserID > 0:
		return Sender{Name: nameOr(m.SenderName, fmt.Sprintf("Guest #%d", m.GuestUserID)), Type: SenderTypeGuest, ID: m.GuestUserID}
	default:
		return Sender{Name: nameOr(m.SenderName, "Anonymous"), Type: SenderTypeAnonymous}
	}
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
