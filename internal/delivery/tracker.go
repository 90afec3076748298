package delivery

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/notify"
)

// Store is the part of the chat store the tracker writes to.
type Store interface {
	GetChat(ctx context.Context, id string) (*chat.Chat, error)
	MarkSeen(ctx context.Context, chatID, readerID string) (int64, error)
}

// Tracker records which participant has seen which message.
type Tracker struct {
	store      Store
	bus        *bus.Bus
	identity   identity.Provider
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

// NewTracker creates a delivery tracker. A nil identity provider trusts the
// caller and a nil dispatcher skips notification bookkeeping.
func NewTracker(st Store, b *bus.Bus, id identity.Provider, d *notify.Dispatcher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: st, bus: b, identity: id, dispatcher: d, logger: logger}
}

// MarkSeen adds readerID to the seen-by set of every message in chatID that
// readerID did not send. It returns how many messages changed; a second call
// with nothing new returns 0 and publishes nothing. The reader's notifications
// for the chat are marked read in the background.
func (t *Tracker) MarkSeen(ctx context.Context, chatID, readerID string) (int, error) {
	user, ok := identity.Resolve(ctx, t.identity)
	if !ok {
		return 0, nil
	}
	if readerID == "" {
		readerID = user
	}
	if readerID == "" {
		return 0, &chat.ValidationError{Field: "readerId", Reason: "required"}
	}
	if user != "" && user != readerID {
		return 0, &chat.PermissionError{UserID: user, Action: "mark seen for", Resource: readerID}
	}

	c, err := t.store.GetChat(ctx, chatID)
	if err != nil {
		return 0, chat.Classify("mark seen", err)
	}
	if c == nil {
		return 0, &chat.NotFoundError{Kind: "chat", ID: chatID}
	}
	if !c.HasParticipant(readerID) {
		return 0, &chat.PermissionError{UserID: readerID, Action: "read", Resource: "chat " + chatID}
	}

	added, err := t.store.MarkSeen(ctx, chatID, readerID)
	if err != nil {
		return 0, chat.Classify("mark seen", err)
	}
	if added > 0 {
		t.logger.Debug("messages marked seen",
			zap.String("chat_id", chatID),
			zap.String("reader_id", readerID),
			zap.Int64("count", added))
		t.bus.Publish(bus.ChatEvent(chatID, bus.ChangeSeen))
	}
	if t.dispatcher != nil {
		t.dispatcher.ChatRead(readerID, chatID)
	}
	return int(added), nil
}
