// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides lead/conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would otherwise see its own database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS organizations (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			phone      TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS leads (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			phone           TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			email           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'new',
			notes           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			UNIQUE(organization_id, phone)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                    TEXT PRIMARY KEY,
			lead_id               TEXT NOT NULL REFERENCES leads(id),
			organization_id       TEXT NOT NULL,
			channel               TEXT NOT NULL,
			voice_conversation_id TEXT NOT NULL DEFAULT '',
			call_id               TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL,
			owner                 TEXT NOT NULL DEFAULT 'ai',
			agent_id              TEXT NOT NULL DEFAULT '',
			summary               TEXT NOT NULL DEFAULT '',
			end_reason            TEXT NOT NULL DEFAULT '',
			started_at            TEXT NOT NULL,
			ended_at              TEXT,
			updated_at            TEXT NOT NULL,

			CHECK (channel IN ('voice', 'sms')),
			CHECK (owner IN ('ai', 'human'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_lead ON conversations(lead_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_org ON conversations(organization_id, status);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			lead_id         TEXT NOT NULL,
			direction       TEXT NOT NULL,
			sender          TEXT NOT NULL,
			channel         TEXT NOT NULL,
			body            TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_lead ON messages(lead_id, created_at);

		CREATE TABLE IF NOT EXISTS inventory_items (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			sku             TEXT NOT NULL,
			name            TEXT NOT NULL,
			quantity        INTEGER NOT NULL DEFAULT 0,
			price_cents     INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL,

			UNIQUE(organization_id, sku)
		);

		CREATE TABLE IF NOT EXISTS appointments (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			lead_id         TEXT NOT NULL REFERENCES leads(id),
			starts_at       TEXT NOT NULL,
			service         TEXT NOT NULL,
			notes           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_appointments_lead ON appointments(lead_id, starts_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// CreateOrganization inserts an organization.
// Returns ErrDuplicate if the phone number is already assigned.
func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, phone, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, org.Name, org.Phone, formatTime(org.CreatedAt),
	)
	if isConstraintViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, created_at FROM organizations WHERE id = ?`, id)
	return scanOrganization(row)
}

// GetOrganizationByPhone retrieves the organization that owns an inbound number.
func (s *SQLiteStore) GetOrganizationByPhone(ctx context.Context, phone string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, created_at FROM organizations WHERE phone = ?`, phone)
	return scanOrganization(row)
}

func scanOrganization(row scanner) (*Organization, error) {
	var org Organization
	var createdAt string
	err := row.Scan(&org.ID, &org.Name, &org.Phone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}
	if org.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &org, nil
}

// CreateLead inserts a lead.
// Returns ErrDuplicate if the organization already has a lead with this phone.
func (s *SQLiteStore) CreateLead(ctx context.Context, lead *Lead) error {
	if lead.Status == "" {
		lead.Status = LeadStatusNew
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, organization_id, phone, name, email, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.OrganizationID, lead.Phone, lead.Name, lead.Email, lead.Status, lead.Notes,
		formatTime(lead.CreatedAt), formatTime(lead.UpdatedAt),
	)
	if isConstraintViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting lead: %w", err)
	}
	s.logger.Debug("created lead", "id", lead.ID, "organization_id", lead.OrganizationID)
	return nil
}

const leadColumns = `id, organization_id, phone, name, email, status, notes, created_at, updated_at`

// GetLead retrieves a lead by ID.
func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	return scanLead(row)
}

// GetLeadByPhone retrieves a lead by organization and phone.
func (s *SQLiteStore) GetLeadByPhone(ctx context.Context, orgID, phone string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE organization_id = ? AND phone = ?`, orgID, phone)
	return scanLead(row)
}

// UpdateLead overwrites the mutable fields of a lead.
func (s *SQLiteStore) UpdateLead(ctx context.Context, lead *Lead) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET name = ?, email = ?, status = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		lead.Name, lead.Email, lead.Status, lead.Notes, formatTime(lead.UpdatedAt), lead.ID,
	)
	if err != nil {
		return fmt.Errorf("updating lead: %w", err)
	}
	return requireAffected(res)
}

func scanLead(row scanner) (*Lead, error) {
	var lead Lead
	var createdAt, updatedAt string
	err := row.Scan(&lead.ID, &lead.OrganizationID, &lead.Phone, &lead.Name, &lead.Email,
		&lead.Status, &lead.Notes, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lead: %w", err)
	}
	if lead.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lead.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &lead, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const conversationColumns = `id, lead_id, organization_id, channel, voice_conversation_id, call_id,
	status, owner, agent_id, summary, end_reason, started_at, ended_at, updated_at`

// CreateConversation inserts a conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Owner == "" {
		conv.Owner = "ai"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.LeadID, conv.OrganizationID, conv.Channel, conv.VoiceConversationID, conv.CallID,
		conv.Status, conv.Owner, conv.AgentID, conv.Summary, conv.EndReason,
		formatTime(conv.StartedAt), nullableTime(conv.EndedAt), formatTime(conv.UpdatedAt),
	)
	if isConstraintViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", conv.ID, "lead_id", conv.LeadID, "channel", conv.Channel)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// UpdateConversation overwrites the mutable fields of a conversation.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET voice_conversation_id = ?, call_id = ?, status = ?, owner = ?, agent_id = ?,
			summary = ?, end_reason = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		conv.VoiceConversationID, conv.CallID, conv.Status, conv.Owner, conv.AgentID,
		conv.Summary, conv.EndReason, nullableTime(conv.EndedAt), formatTime(conv.UpdatedAt), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return requireAffected(res)
}

// ListConversationsByLead returns a lead's conversations, newest first.
func (s *SQLiteStore) ListConversationsByLead(ctx context.Context, leadID string, limit int) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE lead_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ListSummaries returns the summaries of a lead's finished conversations, newest first.
func (s *SQLiteStore) ListSummaries(ctx context.Context, leadID string, limit int) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, ended_at FROM conversations
		WHERE lead_id = ? AND summary != '' AND ended_at IS NOT NULL
		ORDER BY ended_at DESC
		LIMIT ?`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying summaries: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		var sum Summary
		var endedAt string
		if err := rows.Scan(&sum.ConversationID, &sum.Summary, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		if sum.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var startedAt, updatedAt string
	var endedAt sql.NullString
	err := row.Scan(&conv.ID, &conv.LeadID, &conv.OrganizationID, &conv.Channel, &conv.VoiceConversationID,
		&conv.CallID, &conv.Status, &conv.Owner, &conv.AgentID, &conv.Summary, &conv.EndReason,
		&startedAt, &endedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if conv.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		conv.EndedAt = &t
	}
	return &conv, nil
}

// SaveMessage appends a message to a conversation.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, lead_id, direction, sender, channel, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.LeadID, msg.Direction, msg.Sender, msg.Channel, msg.Body,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListLeadMessages returns the most recent messages of a lead across all
// conversations, in chronological order.
func (s *SQLiteStore) ListLeadMessages(ctx context.Context, leadID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, lead_id, direction, sender, channel, body, created_at FROM (
			SELECT * FROM messages WHERE lead_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.LeadID, &msg.Direction, &msg.Sender,
			&msg.Channel, &msg.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// GetOrganizationStats computes dashboard counters for an organization.
// "Today" counters include everything at or after since.
func (s *SQLiteStore) GetOrganizationStats(ctx context.Context, orgID string, since time.Time) (*OrganizationStats, error) {
	stats := &OrganizationStats{OrganizationID: orgID}
	sinceStr := formatTime(since)

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM leads WHERE organization_id = ?),
			(SELECT COUNT(*) FROM conversations WHERE organization_id = ? AND status = 'active'),
			(SELECT COUNT(*) FROM conversations WHERE organization_id = ? AND status = 'active' AND owner = 'human'),
			(SELECT COUNT(*) FROM conversations WHERE organization_id = ? AND started_at >= ?),
			(SELECT COUNT(*) FROM messages m JOIN conversations c ON c.id = m.conversation_id
				WHERE c.organization_id = ? AND m.created_at >= ?)`,
		orgID, orgID, orgID, orgID, sinceStr, orgID, sinceStr,
	).Scan(&stats.Leads, &stats.ActiveConversations, &stats.HumanControlled, &stats.ConversationsToday, &stats.MessagesToday)
	if err != nil {
		return nil, fmt.Errorf("querying organization stats: %w", err)
	}
	return stats, nil
}

// UpsertInventoryItem inserts or replaces an item keyed by organization and SKU.
func (s *SQLiteStore) UpsertInventoryItem(ctx context.Context, item *InventoryItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (id, organization_id, sku, name, quantity, price_cents, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, sku) DO UPDATE SET
			name = excluded.name,
			quantity = excluded.quantity,
			price_cents = excluded.price_cents,
			updated_at = excluded.updated_at`,
		item.ID, item.OrganizationID, item.SKU, item.Name, item.Quantity, item.PriceCents, formatTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting inventory item: %w", err)
	}
	return nil
}

// SearchInventory finds items whose name or SKU contains query (case-insensitive).
func (s *SQLiteStore) SearchInventory(ctx context.Context, orgID, query string, limit int) ([]*InventoryItem, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, sku, name, quantity, price_cents, updated_at
		FROM inventory_items
		WHERE organization_id = ? AND (LOWER(name) LIKE ? OR LOWER(sku) LIKE ?)
		ORDER BY name
		LIMIT ?`, orgID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("querying inventory: %w", err)
	}
	defer rows.Close()

	var out []*InventoryItem
	for rows.Next() {
		var item InventoryItem
		var updatedAt string
		if err := rows.Scan(&item.ID, &item.OrganizationID, &item.SKU, &item.Name, &item.Quantity,
			&item.PriceCents, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning inventory item: %w", err)
		}
		if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

// CreateAppointment inserts an appointment.
func (s *SQLiteStore) CreateAppointment(ctx context.Context, appt *Appointment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, organization_id, lead_id, starts_at, service, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		appt.ID, appt.OrganizationID, appt.LeadID, formatTime(appt.StartsAt), appt.Service, appt.Notes,
		formatTime(appt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting appointment: %w", err)
	}
	return nil
}

// ListAppointments returns a lead's appointments in start order.
func (s *SQLiteStore) ListAppointments(ctx context.Context, leadID string) ([]*Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, lead_id, starts_at, service, notes, created_at
		FROM appointments WHERE lead_id = ? ORDER BY starts_at`, leadID)
	if err != nil {
		return nil, fmt.Errorf("querying appointments: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		var appt Appointment
		var startsAt, createdAt string
		if err := rows.Scan(&appt.ID, &appt.OrganizationID, &appt.LeadID, &startsAt, &appt.Service,
			&appt.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning appointment: %w", err)
		}
		if appt.StartsAt, err = parseTime(startsAt); err != nil {
			return nil, fmt.Errorf("parsing starts_at: %w", err)
		}
		if appt.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &appt)
	}
	return out, rows.Err()
}
