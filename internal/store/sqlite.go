// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation, message and notification persistence with automatic schema creation

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

// timeFormat is fixed width so stored timestamps sort lexically
const timeFormat = "2006-01-02T15:04:05.000000Z"

// Option configures a store backend
type Option func(*options)

type options struct {
	publisher ChangePublisher
	logger    *slog.Logger
}

// WithPublisher sets the receiver of committed change events
func WithPublisher(p ChangePublisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogger sets the store logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{publisher: discardPublisher{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.publisher == nil {
		o.publisher = discardPublisher{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db        *sql.DB
	publisher ChangePublisher
	logger    *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	logger := o.logger.With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		publisher: o.publisher,
		logger:    logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// SetPublisher replaces the change publisher. Used when the hub is created after the store.
func (s *SQLiteStore) SetPublisher(p ChangePublisher) {
	if p == nil {
		p = discardPublisher{}
	}
	s.publisher = p
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			buyer_id        TEXT NOT NULL,
			seller_id       TEXT NOT NULL,
			product_id      TEXT,
			product_name    TEXT,
			last_message    TEXT,
			last_message_at TEXT,
			created_at      TEXT NOT NULL
		);

		-- Not unique: find-or-create tolerates duplicates under concurrent creation
		CREATE INDEX IF NOT EXISTS idx_conversations_triple
			ON conversations(buyer_id, seller_id, product_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_seller ON conversations(seller_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			read            INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS notifications (
			id              TEXT PRIMARY KEY,
			recipient_id    TEXT NOT NULL,
			type            TEXT NOT NULL,
			title           TEXT NOT NULL,
			content         TEXT NOT NULL,
			conversation_id TEXT,
			read            INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			CHECK (type IN ('message', 'inquiry', 'info'))
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
			ON notifications(recipient_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS profiles (
			user_id    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT 'buyer',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS products (
			id         TEXT PRIMARY KEY,
			seller_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS inquiries (
			id              TEXT PRIMARY KEY,
			buyer_id        TEXT NOT NULL,
			seller_id       TEXT NOT NULL,
			product_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message         TEXT NOT NULL,
			quantity        INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'contacted', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_inquiries_buyer ON inquiries(buyer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_inquiries_seller ON inquiries(seller_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "profiles",
			column: "avatar_url",
			apply:  `ALTER TABLE profiles ADD COLUMN avatar_url TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, buyer_id, seller_id, product_id, product_name, last_message, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.BuyerID,
		conv.SellerID,
		nullStringPtr(conv.ProductID),
		nullStringPtr(conv.ProductName),
		nullStringPtr(conv.LastMessage),
		nullTime(conv.LastMessageAt),
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "buyer_id", conv.BuyerID, "seller_id", conv.SellerID)
	s.publisher.Publish(conversationChange(ChangeInsert, conv))
	return nil
}

const conversationColumns = `id, buyer_id, seller_id, product_id, product_name, last_message, last_message_at, created_at`

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// FindConversation retrieves the oldest conversation for the exact triple.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) FindConversation(ctx context.Context, buyerID, sellerID, productID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE buyer_id = ? AND seller_id = ? AND product_id IS ?
		ORDER BY created_at ASC
		LIMIT 1
	`, buyerID, sellerID, nullString(productID))
	return scanConversation(row)
}

// ListConversationsForUser returns conversations where the user is buyer or seller.
// Most recently messaged first; never-messaged conversations sort last, newest first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE buyer_id = ? OR seller_id = ?
		ORDER BY last_message_at IS NULL, last_message_at DESC, created_at DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// InsertMessage stores a message and refreshes the conversation summary atomically.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ?
	`, msg.Content, formatTime(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation summary: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	result, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, boolInt(msg.Read), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, msg.ConversationID))
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	msg.Seq = seq

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "seq", seq)
	s.publisher.Publish(messageChange(ChangeInsert, msg))
	s.publisher.Publish(conversationChange(ChangeUpdate, conv))
	return nil
}

const messageColumns = `seq, id, conversation_id, sender_id, content, read, created_at`

// ListMessages returns the full history of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkMessagesRead flags unread messages from the other party as read.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages SET read = 1
		WHERE conversation_id = ? AND sender_id != ? AND read = 0
		RETURNING `+messageColumns,
		conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	defer rows.Close()

	updated, err := scanMessages(rows)
	if err != nil {
		return 0, err
	}
	for _, m := range updated {
		s.publisher.Publish(messageChange(ChangeUpdate, m))
	}
	if len(updated) > 0 {
		s.logger.Debug("marked messages read", "conversation_id", conversationID, "reader_id", readerID, "count", len(updated))
	}
	return int64(len(updated)), nil
}

// InsertNotification stores a notification
func (s *SQLiteStore) InsertNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, title, content, conversation_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.RecipientID, string(n.Type), n.Title, n.Content, nullStringPtr(n.ConversationID), boolInt(n.Read), formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}

	s.logger.Debug("saved notification", "id", n.ID, "recipient_id", n.RecipientID, "type", n.Type)
	s.publisher.Publish(notificationChange(ChangeInsert, n))
	return nil
}

const notificationColumns = `id, recipient_id, type, title, content, conversation_id, read, created_at`

// ListNotifications returns the newest notifications for a recipient.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// MarkNotificationRead flags one notification as read.
// Returns ErrNotFound if the notification doesn't belong to the recipient.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE notifications SET read = 1
		WHERE id = ? AND recipient_id = ?
		RETURNING `+notificationColumns,
		id, recipientID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	defer rows.Close()

	updated, err := scanNotifications(rows)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		return ErrNotFound
	}
	s.publisher.Publish(notificationChange(ChangeUpdate, updated[0]))
	return nil
}

// MarkAllNotificationsRead flags every unread notification of the recipient.
func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE notifications SET read = 1
		WHERE recipient_id = ? AND read = 0
		RETURNING `+notificationColumns,
		recipientID)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	defer rows.Close()

	updated, err := scanNotifications(rows)
	if err != nil {
		return 0, err
	}
	for _, n := range updated {
		s.publisher.Publish(notificationChange(ChangeUpdate, n))
	}
	return int64(len(updated)), nil
}

// UpsertProfile inserts or replaces a profile, keeping the original created_at.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, name, email, role, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`, p.UserID, p.Name, p.Email, p.Role, nullStringPtr(p.AvatarURL), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

const profileColumns = `user_id, name, email, role, avatar_url, created_at, updated_at`

// GetProfile retrieves a profile by user ID.
// Returns ErrNotFound if the profile doesn't exist.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID)
	return scanProfile(row)
}

// GetProfiles returns the existing profiles among userIDs in one query.
func (s *SQLiteStore) GetProfiles(ctx context.Context, userIDs []string) ([]*Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating profile rows: %w", err)
	}
	return profiles, nil
}

// UpsertProduct inserts or replaces a product reference
func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seller_id = excluded.seller_id,
			name = excluded.name,
			updated_at = excluded.updated_at
	`, p.ID, p.SellerID, p.Name, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting product: %w", err)
	}
	return nil
}

// GetProduct retrieves a product reference by ID.
// Returns ErrNotFound if the product doesn't exist.
func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, seller_id, name, updated_at FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.SellerID, &p.Name, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying product: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

// CreateInquiry inserts a new inquiry
func (s *SQLiteStore) CreateInquiry(ctx context.Context, inq *Inquiry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inquiries (id, buyer_id, seller_id, product_id, conversation_id, message, quantity, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inq.ID, inq.BuyerID, inq.SellerID, inq.ProductID, inq.ConversationID, inq.Message, inq.Quantity,
		string(inq.Status), formatTime(inq.CreatedAt), formatTime(inq.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting inquiry: %w", err)
	}

	s.logger.Debug("created inquiry", "id", inq.ID, "product_id", inq.ProductID)
	s.publisher.Publish(inquiryChange(ChangeInsert, inq))
	return nil
}

const inquiryColumns = `id, buyer_id, seller_id, product_id, conversation_id, message, quantity, status, created_at, updated_at`

// GetInquiry retrieves an inquiry by ID.
// Returns ErrNotFound if the inquiry doesn't exist.
func (s *SQLiteStore) GetInquiry(ctx context.Context, id string) (*Inquiry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inquiryColumns+` FROM inquiries WHERE id = ?`, id)
	return scanInquiry(row)
}

// ListInquiries returns inquiries matching the filter, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListInquiries(ctx context.Context, filter InquiryFilter) ([]*Inquiry, error) {
	var conditions []string
	var args []any
	if filter.BuyerID != "" {
		conditions = append(conditions, "buyer_id = ?")
		args = append(args, filter.BuyerID)
	}
	if filter.SellerID != "" {
		conditions = append(conditions, "seller_id = ?")
		args = append(args, filter.SellerID)
	}
	if filter.ParticipantID != "" {
		conditions = append(conditions, "(buyer_id = ? OR seller_id = ?)")
		args = append(args, filter.ParticipantID, filter.ParticipantID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + inquiryColumns + ` FROM inquiries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying inquiries: %w", err)
	}
	defer rows.Close()

	var out []*Inquiry
	for rows.Next() {
		inq, err := scanInquiry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inquiry rows: %w", err)
	}
	return out, nil
}

// UpdateInquiryStatus sets the status of an inquiry.
// Returns ErrNotFound if the inquiry doesn't exist.
func (s *SQLiteStore) UpdateInquiryStatus(ctx context.Context, id string, status InquiryStatus) error {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE inquiries SET status = ?, updated_at = ? WHERE id = ?
		RETURNING `+inquiryColumns,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating inquiry status: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("updating inquiry status: %w", err)
		}
		return ErrNotFound
	}
	inq, err := scanInquiry(rows)
	if err != nil {
		return err
	}
	s.publisher.Publish(inquiryChange(ChangeUpdate, inq))
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
