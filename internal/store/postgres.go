// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Used when several gateway instances share one database

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface on PostgreSQL
type PostgresStore struct {
	pool      *pgxpool.Pool
	publisher ChangePublisher
	logger    *slog.Logger
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	o := buildOptions(opts)
	logger := o.logger.With("component", "store", "driver", "postgres")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, publisher: o.publisher, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

// SetPublisher replaces the change publisher
func (s *PostgresStore) SetPublisher(p ChangePublisher) {
	if p == nil {
		p = discardPublisher{}
	}
	s.publisher = p
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			buyer_id        TEXT NOT NULL,
			seller_id       TEXT NOT NULL,
			product_id      TEXT,
			product_name    TEXT,
			last_message    TEXT,
			last_message_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_triple ON conversations(buyer_id, seller_id, product_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_seller ON conversations(seller_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq             BIGSERIAL PRIMARY KEY,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			read            BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS notifications (
			id              TEXT PRIMARY KEY,
			recipient_id    TEXT NOT NULL,
			type            TEXT NOT NULL CHECK (type IN ('message', 'inquiry', 'info')),
			title           TEXT NOT NULL,
			content         TEXT NOT NULL,
			conversation_id TEXT,
			read            BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created ON notifications(recipient_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS profiles (
			user_id    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT 'buyer',
			avatar_url TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS products (
			id         TEXT PRIMARY KEY,
			seller_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS inquiries (
			id              TEXT PRIMARY KEY,
			buyer_id        TEXT NOT NULL,
			seller_id       TEXT NOT NULL,
			product_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message         TEXT NOT NULL,
			quantity        INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'contacted', 'closed')),
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_inquiries_buyer ON inquiries(buyer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_inquiries_seller ON inquiries(seller_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Ping checks the pool
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, conv.ID, conv.BuyerID, conv.SellerID, conv.ProductID, conv.ProductName, conv.LastMessage, conv.LastMessageAt, conv.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.publisher.Publish(conversationChange(ChangeInsert, conv))
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return pgScanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
}

func (s *PostgresStore) FindConversation(ctx context.Context, buyerID, sellerID, productID string) (*Conversation, error) {
	var product *string
	if productID != "" {
		product = &productID
	}
	return pgScanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE buyer_id = $1 AND seller_id = $2 AND product_id IS NOT DISTINCT FROM $3
		ORDER BY created_at ASC
		LIMIT 1
	`, buyerID, sellerID, product))
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := pgScanConversation(rows)
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

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := pgScanConversation(tx.QueryRow(ctx, `
		UPDATE conversations SET last_message = $1, last_message_at = $2 WHERE id = $3
		RETURNING `+conversationColumns,
		msg.Content, msg.CreatedAt.UTC(), msg.ConversationID))
	if err != nil {
		return err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Read, msg.CreatedAt.UTC()).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.publisher.Publish(messageChange(ChangeInsert, msg))
	s.publisher.Publish(conversationChange(ChangeUpdate, conv))
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return pgScanMessages(rows)
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND read = FALSE
		RETURNING `+messageColumns,
		conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	updated, err := pgScanMessages(rows)
	if err != nil {
		return 0, err
	}
	for _, m := range updated {
		s.publisher.Publish(messageChange(ChangeUpdate, m))
	}
	return int64(len(updated)), nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n *Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.RecipientID, string(n.Type), n.Title, n.Content, n.ConversationID, n.Read, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	s.publisher.Publish(notificationChange(ChangeInsert, n))
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	return pgScanNotifications(rows)
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE id = $1 AND recipient_id = $2
		RETURNING `+notificationColumns,
		id, recipientID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	updated, err := pgScanNotifications(rows)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		return ErrNotFound
	}
	s.publisher.Publish(notificationChange(ChangeUpdate, updated[0]))
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE recipient_id = $1 AND read = FALSE
		RETURNING `+notificationColumns,
		recipientID)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	updated, err := pgScanNotifications(rows)
	if err != nil {
		return 0, err
	}
	for _, n := range updated {
		s.publisher.Publish(notificationChange(ChangeUpdate, n))
	}
	return int64(len(updated)), nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, p.Name, p.Email, p.Role, p.AvatarURL, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return pgScanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetProfiles(ctx context.Context, userIDs []string) ([]*Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := pgScanProfile(rows)
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

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, seller_id, name, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.SellerID, p.Name, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting product: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.pool.QueryRow(ctx, `SELECT id, seller_id, name, updated_at FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.SellerID, &p.Name, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying product: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreateInquiry(ctx context.Context, inq *Inquiry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inquiries (`+inquiryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, inq.ID, inq.BuyerID, inq.SellerID, inq.ProductID, inq.ConversationID, inq.Message, inq.Quantity,
		string(inq.Status), inq.CreatedAt.UTC(), inq.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting inquiry: %w", err)
	}
	s.publisher.Publish(inquiryChange(ChangeInsert, inq))
	return nil
}

func (s *PostgresStore) GetInquiry(ctx context.Context, id string) (*Inquiry, error) {
	return pgScanInquiry(s.pool.QueryRow(ctx, `SELECT `+inquiryColumns+` FROM inquiries WHERE id = $1`, id))
}

func (s *PostgresStore) ListInquiries(ctx context.Context, filter InquiryFilter) ([]*Inquiry, error) {
	var conditions []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.BuyerID != "" {
		conditions = append(conditions, "buyer_id = "+next(filter.BuyerID))
	}
	if filter.SellerID != "" {
		conditions = append(conditions, "seller_id = "+next(filter.SellerID))
	}
	if filter.ParticipantID != "" {
		p := next(filter.ParticipantID)
		conditions = append(conditions, "(buyer_id = "+p+" OR seller_id = "+p+")")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + inquiryColumns + ` FROM inquiries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + next(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying inquiries: %w", err)
	}
	defer rows.Close()

	var out []*Inquiry
	for rows.Next() {
		inq, err := pgScanInquiry(rows)
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

func (s *PostgresStore) UpdateInquiryStatus(ctx context.Context, id string, status InquiryStatus) error {
	inq, err := pgScanInquiry(s.pool.QueryRow(ctx, `
		UPDATE inquiries SET status = $1, updated_at = $2 WHERE id = $3
		RETURNING `+inquiryColumns,
		string(status), time.Now().UTC(), id))
	if err != nil {
		return err
	}
	s.publisher.Publish(inquiryChange(ChangeUpdate, inq))
	return nil
}

func pgScanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.ProductName, &c.LastMessage, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &c, nil
}

func pgScanMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func pgScanNotifications(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		var n Notification
		var typ string
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.Title, &n.Content, &n.ConversationID, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.Type = NotificationType(typ)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

func pgScanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.UserID, &p.Name, &p.Email, &p.Role, &p.AvatarURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	return &p, nil
}

func pgScanInquiry(row pgx.Row) (*Inquiry, error) {
	var inq Inquiry
	var status string
	err := row.Scan(&inq.ID, &inq.BuyerID, &inq.SellerID, &inq.ProductID, &inq.ConversationID,
		&inq.Message, &inq.Quantity, &status, &inq.CreatedAt, &inq.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning inquiry: %w", err)
	}
	inq.Status = InquiryStatus(status)
	return &inq, nil
}

var _ Store = (*PostgresStore)(nil)
