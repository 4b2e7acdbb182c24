package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "ticketrelay/pkg/database"
	"ticketrelay/pkg/interfaces"
	"ticketrelay/pkg/types"
)

var _ interfaces.Store = (*Manager)(nil)

// Manager is the SQLite implementation of interfaces.Store. Writes are
// serialized through a single goroutine; reads use the pool concurrently.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // guards closed and sends on writeChannel

	retryDelay time.Duration
	now        func() time.Time
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for created_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetryDelay sets the wait before retrying a write that hit SQLITE_BUSY.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager opens the database described by config and starts the writer.
func NewManager(config *dbconfig.Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   250 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(manager)
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.run(op)
		case <-m.shutdown:
			// Close has stopped new sends; finish what is queued.
			for {
				select {
				case op := <-m.writeChannel:
					m.run(op)
				default:
					m.logger.Debug().Msg("write loop shut down")
					return
				}
			}
		}
	}
}

func (m *Manager) run(op writeOperation) {
	if err := op.ctx.Err(); err != nil {
		op.result <- err
		return
	}

	err := op.operation(op.ctx, m.db)
	if isBusy(err) {
		m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database busy, retrying write")
		select {
		case <-time.After(m.retryDelay):
			err = op.operation(op.ctx, m.db)
		case <-op.ctx.Done():
			err = op.ctx.Err()
		}
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("database write failed")
	}
	op.result <- err
}

// executeWrite queues a write operation and waits for completion. Once
// queued, the operation's own result is returned even if ctx ends first,
// so callers never report failure for a write that committed.
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	result := make(chan error, 1)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	m.mu.RUnlock()

	return <-result
}

const ticketColumns = `id, ticket_number, status, priority, guest_user_id, workspace_user_id, workspace_id, created_at`

// GetTicket retrieves a ticket by id.
func (m *Manager) GetTicket(ctx context.Context, ticketID int64) (*types.Ticket, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		return nil, classifyError("get ticket", err)
	}
	return ticket, nil
}

// FindTicketByWorkspaceUser returns the oldest ticket owned by the user.
func (m *Manager) FindTicketByWorkspaceUser(ctx context.Context, workspaceUserID int64) (*types.Ticket, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE workspace_user_id = ? ORDER BY id LIMIT 1`,
		workspaceUserID,
	)
	ticket, err := scanTicket(row)
	if err != nil {
		return nil, classifyError("find ticket by workspace user", err)
	}
	return ticket, nil
}

// CreateTicket inserts the ticket and fills in ID and CreatedAt.
func (m *Manager) CreateTicket(ctx context.Context, ticket *types.Ticket) error {
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = m.now().UTC()
	}
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO tickets (ticket_number, status, priority, guest_user_id, workspace_user_id, workspace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			ticket.TicketNumber,
			ticket.Status,
			ticket.Priority,
			nullableID(ticket.GuestUserID),
			nullableID(ticket.WorkspaceUserID),
			nullableID(ticket.WorkspaceID),
			ticket.CreatedAt,
		)
		if err != nil {
			return err
		}
		ticket.ID, err = res.LastInsertId()
		return err
	})
	return classifyError("create ticket", err)
}

const messageColumns = `id, ticket_id, body, guest_user_id, workspace_user_id, support_agent_id, sender_name,
	is_internal, is_visible, is_edited, edit_count, is_deleted, reply_to_id, reply_snapshot,
	created_at, edited_at, deleted_at`

// CreateMessage inserts the message and fills in ID and CreatedAt.
func (m *Manager) CreateMessage(ctx context.Context, message *types.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = m.now().UTC()
	}
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (ticket_id, body, guest_user_id, workspace_user_id, support_agent_id, sender_name,
				is_internal, is_visible, reply_to_id, reply_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			message.TicketID,
			message.Body,
			nullableInt(message.GuestUserID),
			nullableInt(message.WorkspaceUserID),
			nullableInt(message.SupportAgentID),
			message.SenderName,
			message.IsInternal,
			message.IsVisible,
			nullableID(message.ReplyToID),
			nullableString(message.ReplySnapshot),
			message.CreatedAt,
		)
		if err != nil {
			return err
		}
		message.ID, err = res.LastInsertId()
		return err
	})
	return classifyError("create message", err)
}

// GetMessage retrieves a message by id regardless of sender.
func (m *Manager) GetMessage(ctx context.Context, messageID int64) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		return nil, classifyError("get message", err)
	}
	return message, nil
}

// FindMessageBySender matches on id AND the sender column set in ref.
func (m *Manager) FindMessageBySender(ctx context.Context, messageID int64, ref types.SenderRef) (*types.Message, error) {
	column, value, ok := senderPredicate(ref)
	if !ok {
		return nil, classifyError("find message by sender", sql.ErrNoRows)
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND `+column+` = ?`,
		messageID, value,
	)
	message, err := scanMessage(row)
	if err != nil {
		return nil, classifyError("find message by sender", err)
	}
	return message, nil
}

// UpdateMessageBody rewrites the body of a non-deleted message owned by ref.
func (m *Manager) UpdateMessageBody(ctx context.Context, messageID int64, ref types.SenderRef, body string, editedAt time.Time) (*types.Message, error) {
	column, value, ok := senderPredicate(ref)
	if !ok {
		return nil, classifyError("update message", sql.ErrNoRows)
	}

	var updated *types.Message
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages
			SET body = ?, is_edited = 1, edit_count = edit_count + 1, edited_at = ?
			WHERE id = ? AND `+column+` = ? AND is_deleted = 0
		`, body, editedAt.UTC(), messageID, value)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return sql.ErrNoRows
		}
		updated, err = scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID))
		return err
	})
	if err != nil {
		return nil, classifyError("update message", err)
	}
	return updated, nil
}

// SoftDeleteMessage marks a message owned by ref deleted. The first
// deletion time is kept when the message is deleted again.
func (m *Manager) SoftDeleteMessage(ctx context.Context, messageID int64, ref types.SenderRef, deletedAt time.Time) (*types.Message, error) {
	column, value, ok := senderPredicate(ref)
	if !ok {
		return nil, classifyError("delete message", sql.ErrNoRows)
	}

	var deleted *types.Message
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages
			SET is_deleted = 1, deleted_at = COALESCE(deleted_at, ?), body = ?
			WHERE id = ? AND `+column+` = ?
		`, deletedAt.UTC(), types.DeletedMessageBody, messageID, value)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return sql.ErrNoRows
		}
		deleted, err = scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID))
		return err
	})
	if err != nil {
		return nil, classifyError("delete message", err)
	}
	return deleted, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tickets").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops accepting writes, drains the queue and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*types.Ticket, error) {
	var (
		t                          types.Ticket
		guest, workspaceUser, wsID sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.TicketNumber, &t.Status, &t.Priority, &guest, &workspaceUser, &wsID, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.GuestUserID = idPtr(guest)
	t.WorkspaceUserID = idPtr(workspaceUser)
	t.WorkspaceID = idPtr(wsID)
	return &t, nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg                  types.Message
		guest, wsUser, agent sql.NullInt64
		replyTo              sql.NullInt64
		snapshot             sql.NullString
		editedAt, deletedAt  sql.NullTime
	)
	err := row.Scan(
		&msg.ID,
		&msg.TicketID,
		&msg.Body,
		&guest,
		&wsUser,
		&agent,
		&msg.SenderName,
		&msg.IsInternal,
		&msg.IsVisible,
		&msg.IsEdited,
		&msg.EditCount,
		&msg.IsDeleted,
		&replyTo,
		&snapshot,
		&msg.CreatedAt,
		&editedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.GuestUserID = guest.Int64
	msg.WorkspaceUserID = wsUser.Int64
	msg.SupportAgentID = agent.Int64
	msg.ReplyToID = idPtr(replyTo)
	msg.ReplySnapshot = snapshot.String
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	return &msg, nil
}

// senderPredicate picks the single column a sender reference owns.
func senderPredicate(ref types.SenderRef) (string, int64, bool) {
	switch {
	case ref.SupportAgentID > 0:
		return "support_agent_id", ref.SupportAgentID, true
	case ref.WorkspaceUserID > 0:
		return "workspace_user_id", ref.WorkspaceUserID, true
	case ref.GuestUserID > 0:
		return "guest_user_id", ref.GuestUserID, true
	default:
		return "", 0, false
	}
}

// classifyError maps driver errors onto the persistence taxonomy.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrManagerClosed) {
		return &types.PersistenceError{Kind: types.PersistenceGeneric, Op: op, Err: err}
	}

	kind := types.PersistenceGeneric
	var sqliteErr sqlite3.Error
	switch {
	case errors.Is(err, sql.ErrNoRows):
		kind = types.PersistenceNotFound
	case errors.As(err, &sqliteErr):
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			kind = types.PersistenceDuplicate
		case sqlite3.ErrConstraintForeignKey:
			kind = types.PersistenceForeignKey
		}
	}
	return &types.PersistenceError{Kind: kind, Op: op, Err: err}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func idPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
