//go:generate go run go.uber.org/mock/mockgen -source=notify.go -destination=../../mocks/mock_notify.go -package=mocks
package notify

import (
	"context"
)

// FallbackName labels a sender whose profile cannot be found.
const FallbackName = "Someone"

// KindChatMessage is the notification kind for a new chat message.
const KindChatMessage = "chat_message"

// Notification is an in-app notification to create for a user.
type Notification struct {
	UserID  string
	Kind    string
	Title   string
	Message string
	ChatID  string
	Data    map[string]string
}

// Notifier stores in-app notifications.
type Notifier interface {
	Create(ctx context.Context, n Notification) error
	MarkChatRead(ctx context.Context, userID, chatID string) error
}

// PushMessage is the body sent to the push service.
type PushMessage struct {
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	MessageText string `json:"messageText"`
}

// Pusher hands a new-message notice to the push service.
type Pusher interface {
	Push(ctx context.Context, msg PushMessage) error
}

// Profile is the presentation data used in notification titles.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Profiles looks up presentation data. A missing profile is (nil, nil).
type Profiles interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
}
