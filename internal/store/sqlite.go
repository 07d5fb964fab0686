package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			profile_image TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// Usernames are only assigned by the builtin provider; profiles synced
		// from external tokens carry an empty one, so uniqueness is partial.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username) WHERE username != ''`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(receiver_id, delivered)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we ignore duplicate column errors.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"users", "profile_image", "TEXT NOT NULL DEFAULT ''"},
		{"messages", "conversation_id", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}

	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, full_name, profile_image, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.FullName, user.ProfileImage, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, full_name, profile_image, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			profile_image = excluded.profile_image,
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END`,
		user.ID, user.Username, user.FullName, user.ProfileImage, time.Now())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, profile_image, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, profile_image, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.ProfileImage, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, conversation_id, text, created_at, delivered)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SenderID, msg.ReceiverID, msg.ConversationID, msg.Text, msg.CreatedAt, msg.Delivered)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	msg.ID = id
	return nil
}

func (s *SQLiteStore) ListConversation(ctx context.Context, conversationID string, sinceMicros int64, limit int) ([]ChatMessage, error) {
	query := `SELECT id, sender_id, receiver_id, conversation_id, text, created_at, delivered
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if sinceMicros > 0 {
		query += ` AND created_at >= ?`
		args = append(args, sinceMicros)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) ListConversationPage(ctx context.Context, conversationID string, offset, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, conversation_id, text, created_at, delivered
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ? OFFSET ?`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversation page: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = 1 WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUndelivered(ctx context.Context, receiverID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, conversation_id, text, created_at, delivered
		 FROM messages WHERE receiver_id = ? AND delivered = 0
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		receiverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) CountUnreadByPartner(ctx context.Context, receiverID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, COUNT(*) FROM messages
		 WHERE receiver_id = ? AND delivered = 0
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

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ?`, before.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]ChatMessage, error) {
	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.ConversationID, &m.Text, &m.CreatedAt, &m.Delivered); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
