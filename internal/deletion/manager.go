package deletion

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/store"
)

// ChatCache holds local state about chats that must go when a chat is
// deleted. *sync.Engine satisfies it.
type ChatCache interface {
	ForgetChat(chatID string)
}

// Manager performs owner-checked hard deletes and keeps chat summaries in step.
type Manager struct {
	db       *store.DB
	bus      *bus.Bus
	identity identity.Provider
	cache    ChatCache
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithChatCache makes DeleteChat clear local state of the deleted chat.
func WithChatCache(c ChatCache) Option {
	return func(m *Manager) { m.cache = c }
}

// NewManager creates a deletion manager. A nil identity provider trusts the
// requester ids passed by the caller.
func NewManager(db *store.DB, b *bus.Bus, id identity.Provider, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{db: db, bus: b, identity: id, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// requester resolves who is deleting. ok is false for an unauthenticated call.
func (m *Manager) requester(ctx context.Context, requesterID string) (string, bool, error) {
	user, ok := identity.Resolve(ctx, m.identity)
	if !ok {
		return "", false, nil
	}
	if requesterID == "" {
		requesterID = user
	}
	if requesterID == "" {
		return "", false, &chat.ValidationError{Field: "requesterId", Reason: "required"}
	}
	if user != "" && user != requesterID {
		return "", false, &chat.PermissionError{UserID: user, Action: "act as", Resource: requesterID}
	}
	return requesterID, true, nil
}

// DeleteMessage removes one message authored by requesterID and recomputes the
// chat summary.
func (m *Manager) DeleteMessage(ctx context.Context, chatID, messageID, requesterID string) error {
	requesterID, ok, err := m.requester(ctx, requesterID)
	if !ok {
		return err
	}

	err = m.db.InTx(ctx, func(tx *store.Tx) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg == nil || msg.ChatID != chatID {
			return &chat.NotFoundError{Kind: "message", ID: messageID}
		}
		if msg.SenderID != requesterID {
			return &chat.PermissionError{UserID: requesterID, Action: "delete", Resource: "message " + messageID}
		}
		if err := tx.DeleteMessage(ctx, messageID); err != nil {
			return err
		}
		return tx.RecomputeSummary(ctx, chatID)
	})
	if err != nil {
		return chat.Classify("delete message", err)
	}

	m.logger.Info("message deleted", zap.String("chat_id", chatID), zap.String("message_id", messageID))
	m.bus.Publish(bus.ChatEvent(chatID, bus.ChangeDeleted, messageID))
	return nil
}

// DeleteMessages removes several messages at once. Every existing id must be
// authored by requesterID; otherwise nothing is deleted. Ids that do not exist
// in the chat are skipped. It returns the number of messages removed.
func (m *Manager) DeleteMessages(ctx context.Context, chatID string, ids []string, requesterID string) (int, error) {
	requesterID, ok, err := m.requester(ctx, requesterID)
	if !ok {
		return 0, err
	}
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return 0, &chat.ValidationError{Field: "messageIds", Reason: "at least one id is required"}
	}

	var deleted []string
	err = m.db.InTx(ctx, func(tx *store.Tx) error {
		var owned []string
		for _, id := range ids {
			msg, err := tx.GetMessage(ctx, id)
			if err != nil {
				return err
			}
			if msg == nil || msg.ChatID != chatID {
				continue
			}
			if msg.SenderID != requesterID {
				return &chat.PermissionError{UserID: requesterID, Action: "delete", Resource: "message " + id}
			}
			owned = append(owned, id)
		}
		if len(owned) == 0 {
			return nil
		}
		for _, id := range owned {
			if err := tx.DeleteMessage(ctx, id); err != nil {
				return err
			}
		}
		deleted = owned
		return tx.RecomputeSummary(ctx, chatID)
	})
	if err != nil {
		return 0, chat.Classify("delete messages", err)
	}

	if len(deleted) > 0 {
		m.logger.Info("messages deleted", zap.String("chat_id", chatID), zap.Int("count", len(deleted)))
		m.bus.Publish(bus.ChatEvent(chatID, bus.ChangeDeleted, deleted...))
	}
	return len(deleted), nil
}

// DeleteChat removes a chat with all of its messages. Only a participant may
// delete it.
func (m *Manager) DeleteChat(ctx context.Context, chatID, requesterID string) error {
	requesterID, ok, err := m.requester(ctx, requesterID)
	if !ok {
		return err
	}

	c, err := m.db.GetChat(ctx, chatID)
	if err != nil {
		return chat.Classify("delete chat", err)
	}
	if c == nil {
		return &chat.NotFoundError{Kind: "chat", ID: chatID}
	}
	if !c.HasParticipant(requesterID) {
		return &chat.PermissionError{UserID: requesterID, Action: "delete", Resource: "chat " + chatID}
	}

	removed, err := m.db.DeleteChat(ctx, chatID)
	if err != nil {
		return chat.Classify("delete chat", err)
	}
	if !removed {
		return &chat.NotFoundError{Kind: "chat", ID: chatID}
	}

	if m.cache != nil {
		m.cache.ForgetChat(chatID)
	}
	m.logger.Info("chat deleted", zap.String("chat_id", chatID), zap.String("requester_id", requesterID))
	m.bus.Publish(bus.ChatEvent(chatID, bus.ChangeChatDeleted))
	return nil
}

// RecomputeChatSummary rewrites the last-message fields of chatID from its
// newest surviving message, or clears them when the chat is empty.
func (m *Manager) RecomputeChatSummary(ctx context.Context, chatID string) (*chat.Chat, error) {
	c, err := m.db.RecomputeSummary(ctx, chatID)
	if err != nil {
		return nil, chat.Classify("recompute summary", err)
	}
	if c == nil {
		return nil, &chat.NotFoundError{Kind: "chat", ID: chatID}
	}
	m.bus.Publish(bus.ChatEvent(chatID, bus.ChangeSummary))
	return c, nil
}
