package notify

import (
	"context"

	"github.com/matheus3301/chatsync/internal/store"
)

// StoreNotifier keeps notifications in the chat store.
type StoreNotifier struct {
	db *store.DB
}

// NewStoreNotifier creates a store-backed notifier.
func NewStoreNotifier(db *store.DB) *StoreNotifier {
	return &StoreNotifier{db: db}
}

func (n *StoreNotifier) Create(ctx context.Context, note Notification) error {
	_, err := n.db.CreateNotification(ctx, store.Notification{
		UserID:  note.UserID,
		Kind:    note.Kind,
		Title:   note.Title,
		Message: note.Message,
		Data:    note.Data,
		ChatID:  note.ChatID,
	})
	return err
}

func (n *StoreNotifier) MarkChatRead(ctx context.Context, userID, chatID string) error {
	_, err := n.db.MarkChatNotificationsRead(ctx, userID, chatID)
	return err
}

// StoreProfiles reads profiles from the chat store.
type StoreProfiles struct {
	db *store.DB
}

// NewStoreProfiles creates a store-backed profile lookup.
func NewStoreProfiles(db *store.DB) *StoreProfiles {
	return &StoreProfiles{db: db}
}

func (p *StoreProfiles) Lookup(ctx context.Context, userID string) (*Profile, error) {
	sp, err := p.db.GetProfile(ctx, userID)
	if err != nil || sp == nil {
		return nil, err
	}
	return &Profile{UserID: sp.UserID, DisplayName: sp.DisplayName, AvatarURL: sp.AvatarURL}, nil
}
