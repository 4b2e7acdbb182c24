package interfaces

import (
	"context"
	"time"

	"ticketrelay/pkg/types"
)

// Store is the persistence collaborator for tickets and messages.
// Lookups that match nothing return a *types.PersistenceError of kind
// PersistenceNotFound; callers test with types.IsNotFound.
type Store interface {
	// GetTicket retrieves a ticket by id.
	GetTicket(ctx context.Context, ticketID int64) (*types.Ticket, error)

	// FindTicketByWorkspaceUser returns the oldest ticket owned by the user.
	FindTicketByWorkspaceUser(ctx context.Context, workspaceUserID int64) (*types.Ticket, error)

	// CreateTicket inserts the ticket and fills in ID and CreatedAt.
	CreateTicket(ctx context.Context, ticket *types.Ticket) error

	// CreateMessage inserts the message and fills in ID and CreatedAt.
	CreateMessage(ctx context.Context, message *types.Message) error

	// GetMessage retrieves a message by id regardless of sender.
	GetMessage(ctx context.Context, messageID int64) (*types.Message, error)

	// FindMessageBySender matches on id AND the sender column set in ref.
	FindMessageBySender(ctx context.Context, messageID int64, ref types.SenderRef) (*types.Message, error)

	// UpdateMessageBody rewrites the body of a non-deleted message owned by
	// ref, increments its edit count and returns the updated row.
	UpdateMessageBody(ctx context.Context, messageID int64, ref types.SenderRef, body string, editedAt time.Time) (*types.Message, error)

	// SoftDeleteMessage marks a message owned by ref deleted and replaces its
	// body with the placeholder. Deleting an already deleted message returns
	// the row unchanged.
	SoftDeleteMessage(ctx context.Context, messageID int64, ref types.SenderRef, deletedAt time.Time) (*types.Message, error)

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close drains pending writes and closes the database.
	Close() error
}
