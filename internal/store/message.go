package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/matheus3301/chatsync/internal/chat"
)

const messageColumns = `id, chat_id, seq, sender_id, message_type, body, created_at, idempotency_key`

// errDuplicate rolls back an append whose idempotency key is already stored.
var errDuplicate = errors.New("duplicate idempotency key")

// AppendMessage stores a draft as the next message of a chat and updates the
// chat summary in the same transaction. The store assigns the id, the creation
// time and the per-chat sequence number.
//
// Appends are idempotent on (chat, idempotency key): when the key is already
// stored the existing message is returned and created is false.
func (db *DB) AppendMessage(ctx context.Context, chatID string, d chat.Draft) (msg *chat.Message, created bool, err error) {
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = chat.IdempotencyKey(d)
	}

	err = db.InTx(ctx, func(tx *Tx) error {
		// Bumping the sequence first takes the chat row lock, so the duplicate
		// check below sees any concurrent append of the same key.
		var seq int64
		err := tx.queryRow(ctx, `UPDATE chats SET next_seq = next_seq + 1 WHERE id = ? RETURNING next_seq`, chatID).Scan(&seq)
		if err == sql.ErrNoRows {
			return &chat.NotFoundError{Kind: "chat", ID: chatID}
		}
		if err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		existing, err := tx.messageByKey(ctx, chatID, d.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			msg = existing
			return errDuplicate
		}

		m := chat.Message{
			ID:             uuid.NewString(),
			ChatID:         chatID,
			Seq:            seq,
			SenderID:       d.SenderID,
			Type:           d.Type,
			Text:           d.Text,
			CreatedAt:      fromMillis(toMillis(tx.now)),
			IdempotencyKey: d.IdempotencyKey,
		}
		if _, err := tx.exec(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChatID, m.Seq, m.SenderID, string(m.Type), m.Text, toMillis(m.CreatedAt), m.IdempotencyKey); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.exec(ctx, `
			UPDATE chats SET last_message = ?, last_message_at = ?, last_message_sender_id = ?
			WHERE id = ?`,
			chat.Summary(m.Type, m.Text), toMillis(m.CreatedAt), m.SenderID, chatID); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		msg = &m
		created = true
		return nil
	})

	switch {
	case errors.Is(err, errDuplicate):
		return msg, false, nil
	case isUniqueViolation(err):
		existing, lookupErr := db.messageByKey(ctx, chatID, d.IdempotencyKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if existing == nil {
			return nil, false, err
		}
		return existing, false, nil
	case err != nil:
		return nil, false, err
	}
	return msg, created, nil
}

// ListMessages returns the full ordered log of a chat with seen-by sets loaded.
func (db *DB) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	rows, err := db.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at, seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages for %q: %w", chatID, err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	seen, err := db.seenBy(ctx, chatID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].SeenBy = seen[msgs[i].ID]
	}
	return msgs, nil
}

// GetMessage returns a single message with its seen-by set, or nil when it does
// not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	rows, err := db.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	m := msgs[0]

	seenRows, err := db.query(ctx, `SELECT user_id FROM message_seen WHERE message_id = ? ORDER BY seen_at, user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("seen by for %q: %w", id, err)
	}
	defer func() { _ = seenRows.Close() }()
	for seenRows.Next() {
		var userID string
		if err := seenRows.Scan(&userID); err != nil {
			return nil, err
		}
		m.SeenBy = append(m.SeenBy, userID)
	}
	return &m, seenRows.Err()
}

// MessageCount returns the number of confirmed messages in a chat.
func (db *DB) MessageCount(ctx context.Context, chatID string) (int64, error) {
	var count int64
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&count)
	return count, err
}

// MarkSeen adds readerID to the seen-by set of every message in the chat the
// reader did not author. Already-seen messages are left alone. It returns the
// number of messages that changed.
func (db *DB) MarkSeen(ctx context.Context, chatID, readerID string) (int64, error) {
	res, err := db.exec(ctx, `
		INSERT INTO message_seen (message_id, chat_id, user_id, seen_at)
		SELECT m.id, m.chat_id, CAST(? AS TEXT), CAST(? AS BIGINT)
		FROM messages m
		WHERE m.chat_id = ? AND m.sender_id <> ?
		ON CONFLICT (message_id, user_id) DO NOTHING`,
		readerID, toMillis(db.now()), chatID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark seen in %q: %w", chatID, err)
	}
	return res.RowsAffected()
}

// GetMessage returns a message inside the transaction, without its seen-by set,
// or nil when it does not exist.
func (tx *Tx) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	rows, err := tx.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// DeleteMessage removes a message and its seen marks.
func (tx *Tx) DeleteMessage(ctx context.Context, id string) error {
	if _, err := tx.exec(ctx, `DELETE FROM message_seen WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen marks of %q: %w", id, err)
	}
	if _, err := tx.exec(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	return nil
}

func (tx *Tx) messageByKey(ctx context.Context, chatID, key string) (*chat.Message, error) {
	rows, err := tx.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND idempotency_key = ?`, chatID, key)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (db *DB) messageByKey(ctx context.Context, chatID, key string) (*chat.Message, error) {
	rows, err := db.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND idempotency_key = ?`, chatID, key)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (db *DB) seenBy(ctx context.Context, chatID string) (map[string][]string, error) {
	rows, err := db.query(ctx, `
		SELECT message_id, user_id FROM message_seen
		WHERE chat_id = ?
		ORDER BY seen_at, user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("seen marks for %q: %w", chatID, err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string][]string)
	for rows.Next() {
		var msgID, userID string
		if err := rows.Scan(&msgID, &userID); err != nil {
			return nil, err
		}
		seen[msgID] = append(seen[msgID], userID)
	}
	return seen, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m         chat.Message
			msgType   string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.SenderID, &msgType, &m.Text, &createdAt, &m.IdempotencyKey); err != nil {
			return nil, err
		}
		m.Type = chat.MessageType(msgType)
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
