package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies a migrated database has the expected shape.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"tickets":           "Ticket ownership and room scoping",
	"messages":          "Message lifecycle storage",
	"schema_migrations": "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_tickets_guest_user":        "Guest ticket lookups",
	"idx_tickets_workspace_user":    "First-ticket lookups for registered users",
	"idx_messages_ticket_time":      "Message history retrieval",
	"idx_messages_reply_to":         "Reply reference checks",
	"idx_messages_guest_sender":     "Ownership predicate for guests",
	"idx_messages_workspace_sender": "Ownership predicate for workspace users",
	"idx_messages_agent_sender":     "Ownership predicate for support agents",
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column types match what the store scans into.
func (v *SchemaValidator) ValidateTableStructure() error {
	ticketColumns := map[string]string{
		"id":                "INTEGER",
		"ticket_number":     "TEXT",
		"status":            "TEXT",
		"priority":          "TEXT",
		"guest_user_id":     "INTEGER",
		"workspace_user_id": "INTEGER",
		"workspace_id":      "INTEGER",
		"created_at":        "DATETIME",
	}
	if err := v.validateColumns("tickets", ticketColumns); err != nil {
		return fmt.Errorf("tickets table structure invalid: %w", err)
	}

	messageColumns := map[string]string{
		"id":                "INTEGER",
		"ticket_id":         "INTEGER",
		"body":              "TEXT",
		"guest_user_id":     "INTEGER",
		"workspace_user_id": "INTEGER",
		"support_agent_id":  "INTEGER",
		"sender_name":       "TEXT",
		"is_internal":       "INTEGER",
		"is_visible":        "INTEGER",
		"is_edited":         "INTEGER",
		"edit_count":        "INTEGER",
		"is_deleted":        "INTEGER",
		"reply_to_id":       "INTEGER",
		"reply_snapshot":    "TEXT",
		"created_at":        "DATETIME",
		"edited_at":         "DATETIME",
		"deleted_at":        "DATETIME",
	}
	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints exercises the foreign key and sender constraints inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO messages (ticket_id, body) VALUES (-1, 'constraint check')`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.ticket_id")
	}

	res, err := tx.Exec(`INSERT INTO tickets (ticket_number) VALUES ('TKT-CHECK')`)
	if err != nil {
		return fmt.Errorf("failed to create check ticket: %w", err)
	}
	ticketID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT INTO messages (ticket_id, body, guest_user_id, workspace_user_id) VALUES (?, 'constraint check', 1, 1)`,
		ticketID,
	); err == nil {
		return fmt.Errorf("check constraint not enforced: single sender reference")
	}

	if _, err := tx.Exec(`INSERT INTO messages (ticket_id, body) VALUES (?, '   ')`, ticketID); err == nil {
		return fmt.Errorf("check constraint not enforced: non-empty body")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
