package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLite)(nil)
var _ Store = (*Memory)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	body         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	attachments  TEXT,
	reply_to_id  TEXT,
	read         INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_unread ON messages(recipient_id, read);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	category   TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL,
	payload    TEXT,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id, read);

CREATE TABLE IF NOT EXISTS activities (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`

// SQLite is the default durable Store, backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary bootstraps) a SQLite-backed store at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveMessage assigns an id and timestamp and inserts the message.
func (s *SQLite) SaveMessage(ctx context.Context, m *Message) (string, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now()

	attachments, err := encodeJSON(m.Attachments)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, recipient_id, body, kind, attachments, reply_to_id, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.SenderID, m.RecipientID, m.Body, string(m.Kind), attachments, m.ReplyToID, m.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	return m.ID, nil
}

// MarkMessageRead flips the read flag for a message addressed to userID.
func (s *SQLite) MarkMessageRead(ctx context.Context, userID, messageID string) (*Message, bool, error) {
	m, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if m.RecipientID != userID {
		return nil, false, ErrNotFound
	}
	if m.Read {
		return m, false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE id = ?`, messageID); err != nil {
		return nil, false, fmt.Errorf("mark message read: %w", err)
	}
	m.Read = true
	return m, true, nil
}

func (s *SQLite) getMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, recipient_id, body, kind, attachments, reply_to_id, read, created_at
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var kind, attachments string
	var replyTo sql.NullString
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &kind,
		&attachments, &replyTo, &m.Read, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Kind = MessageKind(kind)
	m.ReplyToID = replyTo.String
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &m, nil
}

// ListUnreadMessages returns unread messages addressed to userID, oldest first.
func (s *SQLite) ListUnreadMessages(ctx context.Context, userID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, recipient_id, body, kind, attachments, reply_to_id, read, created_at
		 FROM messages WHERE recipient_id = ? AND read = 0 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// SaveNotification assigns an id and timestamp and inserts the notification.
func (s *SQLite) SaveNotification(ctx context.Context, n *Notification) (string, error) {
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now()

	payload, err := encodeJSON(n.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, category, title, body, payload, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		n.ID, n.UserID, string(n.Category), n.Title, n.Body, payload, n.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("save notification: %w", err)
	}
	return n.ID, nil
}

// MarkNotificationRead flips the read flag for a notification owned by userID.
func (s *SQLite) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ? AND read = 0`, id, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// Distinguish "already read" from "no such notification".
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notifications WHERE id = ? AND user_id = ?`, id, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return false, nil
}

// ListUnreadNotifications returns unread notifications for userID, oldest first.
func (s *SQLite) ListUnreadNotifications(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, category, title, body, payload, read, created_at
		 FROM notifications WHERE user_id = ? AND read = 0 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	defer rows.Close()

	var result []Notification
	for rows.Next() {
		var n Notification
		var category, payload string
		if err := rows.Scan(&n.ID, &n.UserID, &category, &n.Title, &n.Body,
			&payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Category = NotificationCategory(category)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// SaveActivity assigns an id and timestamp and inserts the activity event.
func (s *SQLite) SaveActivity(ctx context.Context, a *Activity) (string, error) {
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now()

	payload, err := encodeJSON(a.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activities (id, user_id, type, payload, read, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		a.ID, a.UserID, a.Type, payload, a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("save activity: %w", err)
	}
	return a.ID, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }
