// Package storetest provides an in-memory interfaces.Store for tests.
package storetest

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"ticketrelay/pkg/interfaces"
	"ticketrelay/pkg/types"
)

var _ interfaces.Store = (*Memory)(nil)

// Memory mirrors the SQLite store's semantics: not-found lookups return a
// PersistenceNotFound error, ticket numbers are unique and messages must
// reference an existing ticket.
type Memory struct {
	mu       sync.Mutex
	tickets  map[int64]*types.Ticket
	messages map[int64]*types.Message
	nextID   int64
	failures map[string]error
	calls    map[string]int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		tickets:  make(map[int64]*types.Ticket),
		messages: make(map[int64]*types.Message),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call to op return err. op is the method name.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// AddTicket stores a ticket directly, assigning an id when it has none.
func (m *Memory) AddTicket(t types.Ticket) *types.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	} else if t.ID > m.nextID {
		m.nextID = t.ID
	}
	m.tickets[t.ID] = &t
	cp := t
	return &cp
}

// Messages returns every stored message ordered by id.
func (m *Memory) Messages() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tickets returns every stored ticket ordered by id.
func (m *Memory) Tickets() []types.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// begin records the call and returns an injected failure. Callers hold mu.
func (m *Memory) begin(op string) error {
	m.calls[op]++
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func notFound(op string) error {
	return &types.PersistenceError{Kind: types.PersistenceNotFound, Op: op, Err: sql.ErrNoRows}
}

func (m *Memory) GetTicket(_ context.Context, ticketID int64) (*types.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetTicket"); err != nil {
		return nil, err
	}
	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, notFound("get ticket")
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) FindTicketByWorkspaceUser(_ context.Context, workspaceUserID int64) (*types.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("FindTicketByWorkspaceUser"); err != nil {
		return nil, err
	}
	var found *types.Ticket
	for _, t := range m.tickets {
		if t.WorkspaceUserID != nil && *t.WorkspaceUserID == workspaceUserID {
			if found == nil || t.ID < found.ID {
				found = t
			}
		}
	}
	if found == nil {
		return nil, notFound("find ticket by workspace user")
	}
	cp := *found
	return &cp, nil
}

func (m *Memory) CreateTicket(_ context.Context, ticket *types.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateTicket"); err != nil {
		return err
	}
	for _, t := range m.tickets {
		if t.TicketNumber == ticket.TicketNumber {
			return &types.PersistenceError{Kind: types.PersistenceDuplicate, Op: "create ticket", Err: errors.New("UNIQUE constraint failed: tickets.ticket_number")}
		}
	}
	m.nextID++
	ticket.ID = m.nextID
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}
	cp := *ticket
	m.tickets[ticket.ID] = &cp
	return nil
}

func (m *Memory) CreateMessage(_ context.Context, message *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateMessage"); err != nil {
		return err
	}
	if _, ok := m.tickets[message.TicketID]; !ok {
		return &types.PersistenceError{Kind: types.PersistenceForeignKey, Op: "create message", Err: errors.New("FOREIGN KEY constraint failed")}
	}
	m.nextID++
	message.ID = m.nextID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	cp := *message
	cp.Sender = nil
	m.messages[message.ID] = &cp
	return nil
}

func (m *Memory) GetMessage(_ context.Context, messageID int64) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetMessage"); err != nil {
		return nil, err
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, notFound("get message")
	}
	cp := *msg
	return &cp, nil
}

// owned returns the message if ref owns it. Callers hold mu.
func (m *Memory) owned(messageID int64, ref types.SenderRef) (*types.Message, bool) {
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, false
	}
	switch {
	case ref.SupportAgentID > 0:
		return msg, msg.SupportAgentID == ref.SupportAgentID
	case ref.WorkspaceUserID > 0:
		return msg, msg.WorkspaceUserID == ref.WorkspaceUserID
	case ref.GuestUserID > 0:
		return msg, msg.GuestUserID == ref.GuestUserID
	default:
		return nil, false
	}
}

func (m *Memory) FindMessageBySender(_ context.Context, messageID int64, ref types.SenderRef) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("FindMessageBySender"); err != nil {
		return nil, err
	}
	msg, ok := m.owned(messageID, ref)
	if !ok {
		return nil, notFound("find message by sender")
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) UpdateMessageBody(_ context.Context, messageID int64, ref types.SenderRef, body string, editedAt time.Time) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpdateMessageBody"); err != nil {
		return nil, err
	}
	msg, ok := m.owned(messageID, ref)
	if !ok || msg.IsDeleted {
		return nil, notFound("update message")
	}
	at := editedAt.UTC()
	msg.Body = body
	msg.IsEdited = true
	msg.EditCount++
	msg.EditedAt = &at
	cp := *msg
	return &cp, nil
}

func (m *Memory) SoftDeleteMessage(_ context.Context, messageID int64, ref types.SenderRef, deletedAt time.Time) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SoftDeleteMessage"); err != nil {
		return nil, err
	}
	msg, ok := m.owned(messageID, ref)
	if !ok {
		return nil, notFound("delete message")
	}
	if msg.DeletedAt == nil {
		at := deletedAt.UTC()
		msg.DeletedAt = &at
	}
	msg.IsDeleted = true
	msg.Body = types.DeletedMessageBody
	cp := *msg
	return &cp, nil
}

func (m *Memory) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin("HealthCheck")
}

func (m *Memory) Close() error { return nil }
