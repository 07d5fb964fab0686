package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			profile_image TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username) WHERE username != ''`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(receiver_id, delivered)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, full_name, profile_image, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, user.FullName, user.ProfileImage, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, full_name, profile_image, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			profile_image = EXCLUDED.profile_image,
			username = CASE WHEN EXCLUDED.username != '' THEN EXCLUDED.username ELSE users.username END`,
		user.ID, user.Username, user.FullName, user.ProfileImage, time.Now())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, profile_image, password_hash, created_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, profile_image, password_hash, created_at FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, conversation_id, text, created_at, delivered)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		msg.SenderID, msg.ReceiverID, msg.ConversationID, msg.Text, msg.CreatedAt, msg.Delivered).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConversation(ctx context.Context, conversationID string, sinceMicros int64, limit int) ([]ChatMessage, error) {
	query := `SELECT id, sender_id, receiver_id, conversation_id, text, created_at, delivered
		FROM messages WHERE conversation_id = $1`
	args := []any{conversationID}
	if sinceMicros > 0 {
		query += ` AND created_at >= $2 ORDER BY created_at DESC, id DESC LIMIT $3`
		args = append(args, sinceMicros, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) ListConversationPage(ctx context.Context, conversationID string, offset, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, conversation_id, text, created_at, delivered
		 FROM messages WHERE conversation_id = $1
		 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversation page: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = TRUE WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUndelivered(ctx context.Context, receiverID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, conversation_id, text, created_at, delivered
		 FROM messages WHERE receiver_id = $1 AND delivered = FALSE
		 ORDER BY created_at ASC, id ASC LIMIT $2`,
		receiverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) CountUnreadByPartner(ctx context.Context, receiverID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, COUNT(*) FROM messages
		 WHERE receiver_id = $1 AND delivered = FALSE
		 GROUP BY sender_id`,
		receiverID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[sender] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < $1`, before.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
