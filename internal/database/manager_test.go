package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "ticketrelay/pkg/database"
	"ticketrelay/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, zerolog.Nop(), WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	_, err = dbconfig.NewMigrationManager(manager.GetDB(), nil).ApplyMigrations(context.Background())
	require.NoError(t, err)
	return manager
}

func int64Ptr(v int64) *int64 { return &v }

func createTicket(t *testing.T, m *Manager, ticket *types.Ticket) *types.Ticket {
	t.Helper()
	if ticket.TicketNumber == "" {
		ticket.TicketNumber = "TKT-" + strings.ToUpper(uuid.NewString()[:8])
	}
	if ticket.Status == "" {
		ticket.Status = types.TicketStatusOpen
		ticket.Priority = types.TicketPriorityNormal
	}
	require.NoError(t, m.CreateTicket(context.Background(), ticket))
	return ticket
}

func TestManager_TicketRoundTrip(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	created := createTicket(t, m, &types.Ticket{TicketNumber: "TKT-AAAA0001", GuestUserID: int64Ptr(7)})
	assert.Positive(t, created.ID)

	got, err := m.GetTicket(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "TKT-AAAA0001", got.TicketNumber)
	require.NotNil(t, got.GuestUserID)
	assert.Equal(t, int64(7), *got.GuestUserID)
	assert.Nil(t, got.WorkspaceUserID)
	assert.False(t, got.IsPublic())
}

func TestManager_GetTicketNotFound(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.GetTicket(context.Background(), 999)
	assert.True(t, types.IsNotFound(err))
}

func TestManager_FindTicketByWorkspaceUserReturnsOldest(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	_, err := m.FindTicketByWorkspaceUser(ctx, 42)
	assert.True(t, types.IsNotFound(err))

	first := createTicket(t, m, &types.Ticket{TicketNumber: "TKT-00000001", WorkspaceUserID: int64Ptr(42)})
	createTicket(t, m, &types.Ticket{TicketNumber: "TKT-00000002", WorkspaceUserID: int64Ptr(42)})

	got, err := m.FindTicketByWorkspaceUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestManager_DuplicateTicketNumber(t *testing.T) {
	m := setupTestDB(t)
	createTicket(t, m, &types.Ticket{TicketNumber: "TKT-DUP00001"})

	err := m.CreateTicket(context.Background(), &types.Ticket{
		TicketNumber: "TKT-DUP00001",
		Status:       types.TicketStatusOpen,
		Priority:     types.TicketPriorityNormal,
	})
	var pe *types.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.PersistenceDuplicate, pe.Kind)
}

func TestManager_CreateMessage(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	ticket := createTicket(t, m, &types.Ticket{GuestUserID: int64Ptr(7)})

	msg := &types.Message{
		TicketID:  ticket.ID,
		Body:      "hello there",
		SenderRef: types.SenderRef{GuestUserID: 7},
		IsVisible: true,
	}
	require.NoError(t, m.CreateMessage(ctx, msg))
	assert.Positive(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	got, err := m.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", got.Body)
	assert.Equal(t, types.SenderRef{GuestUserID: 7}, got.SenderRef)
	assert.True(t, got.IsVisible)
	assert.False(t, got.IsEdited)
	assert.Zero(t, got.EditCount)
	assert.Nil(t, got.ReplyToID)
	assert.WithinDuration(t, msg.CreatedAt, got.CreatedAt, time.Second)
}

func TestManager_CreateMessageForeignKeyViolation(t *testing.T) {
	m := setupTestDB(t)

	err := m.CreateMessage(context.Background(), &types.Message{TicketID: 12345, Body: "orphan"})
	var pe *types.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.PersistenceForeignKey, pe.Kind)
}

func TestManager_FindMessageBySenderPredicate(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	ticket := createTicket(t, m, &types.Ticket{})

	msg := &types.Message{TicketID: ticket.ID, Body: "agent note", SenderRef: types.SenderRef{SupportAgentID: 3}}
	require.NoError(t, m.CreateMessage(ctx, msg))

	got, err := m.FindMessageBySender(ctx, msg.ID, types.SenderRef{SupportAgentID: 3})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)

	_, err = m.FindMessageBySender(ctx, msg.ID, types.SenderRef{SupportAgentID: 4})
	assert.True(t, types.IsNotFound(err))

	_, err = m.FindMessageBySender(ctx, msg.ID, types.SenderRef{WorkspaceUserID: 3})
	assert.True(t, types.IsNotFound(err), "same id in another sender column does not match")

	_, err = m.FindMessageBySender(ctx, msg.ID, types.SenderRef{})
	assert.True(t, types.IsNotFound(err))
}

func TestManager_UpdateMessageBody(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	ticket := createTicket(t, m, &types.Ticket{})
	ref := types.SenderRef{WorkspaceUserID: 9}

	msg := &types.Message{TicketID: ticket.ID, Body: "first", SenderRef: ref}
	require.NoError(t, m.CreateMessage(ctx, msg))

	editedAt := time.Now()
	updated, err := m.UpdateMessageBody(ctx, msg.ID, ref, "second", editedAt)
	require.NoError(t, err)
	assert.Equal(t, "second", updated.Body)
	assert.True(t, updated.IsEdited)
	assert.Equal(t, 1, updated.EditCount)
	require.NotNil(t, updated.EditedAt)
	assert.WithinDuration(t, editedAt, *updated.EditedAt, time.Second)

	updated, err = m.UpdateMessageBody(ctx, msg.ID, ref, "third", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, updated.EditCount)

	_, err = m.UpdateMessageBody(ctx, msg.ID, types.SenderRef{WorkspaceUserID: 10}, "hijack", time.Now())
	assert.True(t, types.IsNotFound(err))
}

func TestManager_SoftDeleteMessage(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	ticket := createTicket(t, m, &types.Ticket{})
	ref := types.SenderRef{GuestUserID: 5}

	msg := &types.Message{TicketID: ticket.ID, Body: "oops", SenderRef: ref}
	require.NoError(t, m.CreateMessage(ctx, msg))

	firstDelete := time.Now().Add(-time.Minute)
	deleted, err := m.SoftDeleteMessage(ctx, msg.ID, ref, firstDelete)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, types.DeletedMessageBody, deleted.Body)
	require.NotNil(t, deleted.DeletedAt)

	again, err := m.SoftDeleteMessage(ctx, msg.ID, ref, time.Now())
	require.NoError(t, err)
	assert.True(t, again.IsDeleted)
	assert.WithinDuration(t, firstDelete, *again.DeletedAt, time.Second, "first deletion time is kept")

	_, err = m.UpdateMessageBody(ctx, msg.ID, ref, "resurrect", time.Now())
	assert.True(t, types.IsNotFound(err), "deleted messages are not editable")

	row, err := m.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeletedMessageBody, row.Body, "row still exists")
}

func TestManager_ConcurrentWritesAreSerialized(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	ticket := createTicket(t, m, &types.Ticket{})

	const numWrites = 25
	var wg sync.WaitGroup
	errs := make(chan error, numWrites)

	for i := 0; i < numWrites; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.CreateMessage(ctx, &types.Message{
				TicketID:  ticket.ID,
				Body:      fmt.Sprintf("message %d", i),
				SenderRef: types.SenderRef{GuestUserID: int64(i + 1)},
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	var count int
	require.NoError(t, m.GetDB().QueryRow("SELECT COUNT(*) FROM messages WHERE ticket_id = ?", ticket.ID).Scan(&count))
	assert.Equal(t, numWrites, count)
}

func TestManager_WriteHonoursCanceledContext(t *testing.T) {
	m := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.CreateTicket(ctx, &types.Ticket{TicketNumber: "TKT-CANCEL01", Status: "open", Priority: "normal"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_WriteReportsOutcomeWhenContextEndsMidWrite(t *testing.T) {
	m := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := m.executeWrite(ctx, func(_ context.Context, db *sql.DB) error {
		cancel()
		_, err := db.Exec(`INSERT INTO tickets (ticket_number, status, priority, created_at) VALUES (?, ?, ?, ?)`,
			"TKT-LATE0001", "open", "normal", time.Now().UTC())
		return err
	})
	require.NoError(t, err, "the committed write is reported, not the canceled context")

	var count int
	require.NoError(t, m.GetDB().QueryRow("SELECT COUNT(*) FROM tickets WHERE ticket_number = ?", "TKT-LATE0001").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestManager_HealthCheck(t *testing.T) {
	m := setupTestDB(t)
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestManager_CleanShutdown(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	createTicket(t, m, &types.Ticket{TicketNumber: "TKT-SHUTDOWN"})

	require.NoError(t, m.Close())
	assert.NoError(t, m.Close(), "second close is a no-op")

	err := m.CreateTicket(ctx, &types.Ticket{TicketNumber: "TKT-AFTER001", Status: "open", Priority: "normal"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, classifyError("noop", nil))

	err := classifyError("op", errors.New("boom"))
	var pe *types.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.PersistenceGeneric, pe.Kind)
	assert.Equal(t, "op", pe.Op)
}
