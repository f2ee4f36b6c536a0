// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema is applied with golang-migrate from embedded SQL files

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// Migrations are applied automatically and parent directories are created if needed.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would otherwise see its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// migrate applies all pending up migrations. It is idempotent.
func (s *SQLiteStore) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer src.Close()

	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	// The migrate instance is not closed: closing it would close s.db.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug("schema version", "version", version, "dirty", dirty)
	}
	return nil
}

// SchemaVersion reports the applied migration version and whether the last
// migration left the schema dirty.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (uint, bool, error) {
	var version uint
	var dirty bool
	err := s.db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation checks if the error is a SQLite UNIQUE constraint
// violation. With columns given, the failing index must cover one of them
// ("UNIQUE constraint failed: messages.transport_event_id").
func isUniqueViolation(err error, columns ...string) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "UNIQUE constraint failed") {
		return false
	}
	if len(columns) == 0 {
		return true
	}
	for _, col := range columns {
		if strings.Contains(errStr, col) {
			return true
		}
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// Clients

const clientColumns = `id, address, display_name, client_type, conversation_state,
	last_message, last_message_at, created_at, updated_at`

func scanClient(row rowScanner) (*Client, error) {
	var c Client
	var displayName, lastMessage, lastMessageAt sql.NullString
	var clientType, createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.Address, &displayName, &clientType, &c.ConversationState,
		&lastMessage, &lastMessageAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.DisplayName = displayName.String
	c.ClientType = ClientType(clientType)
	c.LastMessage = lastMessage.String

	var err error
	if lastMessageAt.Valid {
		if c.LastMessageAt, err = parseTime(lastMessageAt.String); err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// FindClientByAddress retrieves a client by its transport address.
// Returns ErrNotFound if no client exists for the address.
func (s *SQLiteStore) FindClientByAddress(ctx context.Context, address string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE address = ?`, address)
	c, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client by address: %w", err)
	}
	return c, nil
}

// GetClient retrieves a client by ID.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return c, nil
}

// CreateClient inserts a new client.
// Returns ErrDuplicateClient if the address is already registered.
func (s *SQLiteStore) CreateClient(ctx context.Context, c *Client) error {
	clientType := c.ClientType
	if clientType == "" {
		clientType = ClientTypeUnknown
	}

	var lastMessageAt any
	if !c.LastMessageAt.IsZero() {
		lastMessageAt = formatTime(c.LastMessageAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, address, display_name, client_type, conversation_state,
			last_message, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.Address,
		nullString(c.DisplayName),
		string(clientType),
		c.ConversationState,
		nullString(c.LastMessage),
		lastMessageAt,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClient
		}
		return fmt.Errorf("inserting client: %w", err)
	}

	s.logger.Debug("created client", "id", c.ID, "address", c.Address)
	return nil
}

// UpsertClient inserts the client or updates the existing row with the same ID.
func (s *SQLiteStore) UpsertClient(ctx context.Context, c *Client) error {
	clientType := c.ClientType
	if clientType == "" {
		clientType = ClientTypeUnknown
	}

	var lastMessageAt any
	if !c.LastMessageAt.IsZero() {
		lastMessageAt = formatTime(c.LastMessageAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, address, display_name, client_type, conversation_state,
			last_message, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			client_type = excluded.client_type,
			conversation_state = excluded.conversation_state,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
	`,
		c.ID,
		c.Address,
		nullString(c.DisplayName),
		string(clientType),
		c.ConversationState,
		nullString(c.LastMessage),
		lastMessageAt,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClient
		}
		return fmt.Errorf("upserting client: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversations

const conversationColumns = `id, client_id, status, operator_ref, started_at,
	last_message_at, ended_at, closed_by_ref, close_reason`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status, startedAt, lastMessageAt string
	var operatorRef, endedAt, closedByRef, closeReason sql.NullString

	if err := row.Scan(&c.ID, &c.ClientID, &status, &operatorRef, &startedAt,
		&lastMessageAt, &endedAt, &closedByRef, &closeReason); err != nil {
		return nil, err
	}

	c.Status = ConversationStatus(status)
	c.OperatorRef = ptrFromNull(operatorRef)
	c.ClosedByRef = ptrFromNull(closedByRef)
	c.CloseReason = closeReason.String

	var err error
	if c.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if c.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		c.EndedAt = &t
	}
	return &c, nil
}

// FindOpenConversation returns the client's active or waiting conversation.
// Returns ErrNotFound if the client has no open conversation.
func (s *SQLiteStore) FindOpenConversation(ctx context.Context, clientID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE client_id = ? AND status IN ('active', 'waiting')
	`, clientID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the client already has an open conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, client_id, status, operator_ref, started_at,
			last_message_at, ended_at, closed_by_ref, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.ClientID,
		string(c.Status),
		nullStringPtr(c.OperatorRef),
		formatTime(c.StartedAt),
		formatTime(c.LastMessageAt),
		nullTime(c.EndedAt),
		nullStringPtr(c.ClosedByRef),
		nullString(c.CloseReason),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "client_id", c.ClientID)
	return nil
}

// UpdateConversation persists the mutable fields of a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, operator_ref = ?, last_message_at = ?, ended_at = ?,
			closed_by_ref = ?, close_reason = ?
		WHERE id = ?
	`,
		string(c.Status),
		nullStringPtr(c.OperatorRef),
		formatTime(c.LastMessageAt),
		nullTime(c.EndedAt),
		nullStringPtr(c.ClosedByRef),
		nullString(c.CloseReason),
		c.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", c.ID, "status", c.Status)
	return nil
}

// ListConversations returns conversations joined with their client, most recent first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*ConversationView, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "cv.status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ClientID != "" {
		where = append(where, "cv.client_id = ?")
		args = append(args, filter.ClientID)
	}

	query := `
		SELECT cv.id, cv.client_id, cv.status, cv.operator_ref, cv.started_at,
			cv.last_message_at, cv.ended_at, cv.closed_by_ref, cv.close_reason,
			cl.id, cl.address, cl.display_name, cl.client_type, cl.conversation_state,
			cl.last_message, cl.last_message_at, cl.created_at, cl.updated_at,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = cv.id AND m.is_read = 0) AS unread
		FROM conversations cv
		JOIN clients cl ON cl.id = cv.client_id
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY cv.last_message_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var views []*ConversationView
	for rows.Next() {
		view, err := scanConversationView(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return views, nil
}

// scanConversationView splits one joined row into its conversation and client halves.
func scanConversationView(rows *sql.Rows) (*ConversationView, error) {
	var (
		conv                                           Conversation
		status, startedAt, convLastAt                  string
		operatorRef, endedAt, closedByRef, closeReason sql.NullString
		client                                         Client
		displayName, lastMessage, clientLastAt         sql.NullString
		clientType, clientCreatedAt, clientUpdatedAt   string
		unread                                         int
	)

	if err := rows.Scan(
		&conv.ID, &conv.ClientID, &status, &operatorRef, &startedAt,
		&convLastAt, &endedAt, &closedByRef, &closeReason,
		&client.ID, &client.Address, &displayName, &clientType, &client.ConversationState,
		&lastMessage, &clientLastAt, &clientCreatedAt, &clientUpdatedAt,
		&unread,
	); err != nil {
		return nil, err
	}

	conv.Status = ConversationStatus(status)
	conv.OperatorRef = ptrFromNull(operatorRef)
	conv.ClosedByRef = ptrFromNull(closedByRef)
	conv.CloseReason = closeReason.String
	client.DisplayName = displayName.String
	client.ClientType = ClientType(clientType)
	client.LastMessage = lastMessage.String

	var err error
	if conv.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if conv.LastMessageAt, err = parseTime(convLastAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		conv.EndedAt = &t
	}
	if clientLastAt.Valid {
		if client.LastMessageAt, err = parseTime(clientLastAt.String); err != nil {
			return nil, fmt.Errorf("parsing client last_message_at: %w", err)
		}
	}
	if client.CreatedAt, err = parseTime(clientCreatedAt); err != nil {
		return nil, fmt.Errorf("parsing client created_at: %w", err)
	}
	if client.UpdatedAt, err = parseTime(clientUpdatedAt); err != nil {
		return nil, fmt.Errorf("parsing client updated_at: %w", err)
	}

	return &ConversationView{Conversation: &conv, Client: &client, UnreadCount: unread}, nil
}

// ---------------------------------------------------------------------------
// Messages

// InsertMessage saves a message.
// Returns ErrDuplicateMessage if TransportEventID was already recorded.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	isRead := 0
	if msg.IsRead {
		isRead = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_kind, sender_ref, content,
			timestamp, is_read, transport_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		string(msg.SenderKind),
		nullStringPtr(msg.SenderRef),
		msg.Content,
		formatTime(msg.Timestamp),
		isRead,
		nullString(msg.TransportEventID),
	)
	if err != nil {
		if msg.TransportEventID != "" && isUniqueViolation(err, "messages.transport_event_id") {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "sender", msg.SenderKind)
	return nil
}

// HasTransportEvent reports whether a message with this transport event id
// was already recorded.
func (s *SQLiteStore) HasTransportEvent(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE transport_event_id = ? LIMIT 1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up transport event: %w", err)
	}
	return true, nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit`.
// Messages are returned in insertion order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender_kind, sender_ref, content, timestamp, is_read, transport_event_id
			FROM (
				SELECT rowid AS seq, id, conversation_id, sender_kind, sender_ref, content,
					timestamp, is_read, transport_event_id
				FROM messages
				WHERE conversation_id = ?
				ORDER BY timestamp DESC, seq DESC
				LIMIT ?
			)
			ORDER BY timestamp ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_kind, sender_ref, content, timestamp, is_read, transport_event_id
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var senderKind, ts string
		var senderRef, eventID sql.NullString
		var isRead int

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &senderKind, &senderRef,
			&msg.Content, &ts, &isRead, &eventID); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.SenderKind = SenderKind(senderKind)
		msg.SenderRef = ptrFromNull(senderRef)
		msg.IsRead = isRead != 0
		msg.TransportEventID = eventID.String
		msg.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// MarkMessagesRead flags every unread message in the conversation as read.
// Returns the number of messages changed.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND is_read = 0`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
