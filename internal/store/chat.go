package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chat"
)

const chatColumns = `c.id, c.participant_a, c.participant_b, c.last_message, c.last_message_at, c.last_message_sender_id, c.created_at`

// CreateChat inserts the chat for the pair unless it already exists. It reports
// whether this call created the row. Concurrent callers for the same pair end up
// with a single row.
func (db *DB) CreateChat(ctx context.Context, a, b string) (*chat.Chat, bool, error) {
	p := chat.Participants(a, b)
	id := chat.ID(a, b)
	res, err := db.exec(ctx, `
		INSERT INTO chats (id, participant_a, participant_b, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, p[0], p[1], toMillis(db.now()))
	if err != nil {
		return nil, false, fmt.Errorf("insert chat %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected for chat %q: %w", id, err)
	}
	c, err := db.GetChat(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, fmt.Errorf("chat %q vanished after insert", id)
	}
	return c, n == 1, nil
}

// GetChat returns a single chat by id, or nil when it does not exist.
func (db *DB) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	c, err := scanChat(db.queryRow(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %q: %w", id, err)
	}
	return c, nil
}

// ListChatsFor returns the chats a user participates in, most recent activity
// first, with the number of messages from the other participant the user has
// not seen yet.
func (db *DB) ListChatsFor(ctx context.Context, userID string) ([]chat.ChatOverview, error) {
	rows, err := db.query(ctx, `
		SELECT `+chatColumns+`,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.chat_id = c.id AND m.sender_id <> ?
			   AND NOT EXISTS (SELECT 1 FROM message_seen s WHERE s.message_id = m.id AND s.user_id = ?)
			) AS unread
		FROM chats c
		WHERE c.participant_a = ? OR c.participant_b = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id`,
		userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats for %q: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var chats []chat.ChatOverview
	for rows.Next() {
		var (
			ov     chat.ChatOverview
			lastAt sql.NullInt64
			create int64
		)
		if err := rows.Scan(&ov.ID, &ov.Participants[0], &ov.Participants[1], &ov.LastMessage,
			&lastAt, &ov.LastMessageSenderID, &create, &ov.UnreadCount); err != nil {
			return nil, err
		}
		if lastAt.Valid {
			ov.LastMessageAt = fromMillis(lastAt.Int64)
		}
		ov.CreatedAt = fromMillis(create)
		chats = append(chats, ov)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat together with its messages and seen marks. It
// reports whether a row was removed.
func (db *DB) DeleteChat(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := db.InTx(ctx, func(tx *Tx) error {
		// Explicit child deletes keep behaviour identical when foreign keys are off.
		if _, err := tx.exec(ctx, `DELETE FROM message_seen WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("delete seen marks: %w", err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res, err := tx.exec(ctx, `DELETE FROM chats WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n == 1
		return nil
	})
	return removed, err
}

// GetChat returns a chat inside the transaction, or nil when it does not exist.
func (tx *Tx) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	c, err := scanChat(tx.queryRow(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %q: %w", id, err)
	}
	return c, nil
}

// RecomputeSummary rewrites the chat's last-message fields from the newest
// surviving message, or clears them when no message is left.
func (tx *Tx) RecomputeSummary(ctx context.Context, chatID string) error {
	var (
		senderID, msgType, body string
		createdAt               int64
	)
	err := tx.queryRow(ctx, `
		SELECT sender_id, message_type, body, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`, chatID).Scan(&senderID, &msgType, &body, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.exec(ctx, `
			UPDATE chats SET last_message = '', last_message_at = NULL, last_message_sender_id = ''
			WHERE id = ?`, chatID)
	case err != nil:
		return fmt.Errorf("find latest message: %w", err)
	default:
		_, err = tx.exec(ctx, `
			UPDATE chats SET last_message = ?, last_message_at = ?, last_message_sender_id = ?
			WHERE id = ?`,
			chat.Summary(chat.MessageType(msgType), body), createdAt, senderID, chatID)
	}
	if err != nil {
		return fmt.Errorf("update summary for %q: %w", chatID, err)
	}
	return nil
}

// RecomputeSummary is the standalone form of Tx.RecomputeSummary. It returns the
// updated chat, or nil when the chat does not exist.
func (db *DB) RecomputeSummary(ctx context.Context, chatID string) (*chat.Chat, error) {
	var c *chat.Chat
	err := db.InTx(ctx, func(tx *Tx) error {
		if err := tx.RecomputeSummary(ctx, chatID); err != nil {
			return err
		}
		var err error
		c, err = tx.GetChat(ctx, chatID)
		return err
	})
	return c, err
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

func scanChat(row *sql.Row) (*chat.Chat, error) {
	var (
		c      chat.Chat
		lastAt sql.NullInt64
		create int64
	)
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessage,
		&lastAt, &c.LastMessageSenderID, &create); err != nil {
		return nil, err
	}
	if lastAt.Valid {
		c.LastMessageAt = fromMillis(lastAt.Int64)
	}
	c.CreatedAt = fromMillis(create)
	return &c, nil
}
