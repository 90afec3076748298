package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CreateNotification stores an unread notification and returns its id.
func (db *DB) CreateNotification(ctx context.Context, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return "", fmt.Errorf("encode notification data: %w", err)
	}
	if n.Data == nil {
		data = []byte("{}")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = db.now()
	}
	_, err = db.exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, data, chat_id, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Message, string(data), n.ChatID, n.Read, toMillis(n.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return n.ID, nil
}

// MarkChatNotificationsRead marks every unread notification of userID about
// chatID as read and returns how many changed.
func (db *DB) MarkChatNotificationsRead(ctx context.Context, userID, chatID string) (int64, error) {
	res, err := db.exec(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE user_id = ? AND chat_id = ? AND is_read = FALSE`, userID, chatID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return res.RowsAffected()
}

// ListNotifications returns a user's notifications, newest first.
func (db *DB) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	q := `SELECT id, user_id, kind, title, message, data, chat_id, is_read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND is_read = FALSE`
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := db.query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var (
			n         Notification
			data      string
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &data, &n.ChatID, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification %q data: %w", n.ID, err)
		}
		n.CreatedAt = fromMillis(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}
