package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
	// Origin names the agent that produced the event. Empty for events raised
	// in this process.
	Origin string
}

// Process-wide event kinds.
const (
	KindQueued      = "message.queued"
	KindDelivered   = "message.delivered"
	KindSendFailed  = "message.send_failed"
	KindNetStatus   = "net.status_changed"
	KindNetRestored = "net.restored"
)

// Chat change names, appended to ChatPrefix.
const (
	ChangeMessage     = "message"
	ChangeSeen        = "seen"
	ChangeDeleted     = "deleted"
	ChangeSummary     = "summary"
	ChangeQueue       = "queue"
	ChangeChatDeleted = "chat_deleted"
)

// ChatNamespace prefixes every per-chat change event.
const ChatNamespace = "chat."

// ChatPrefix is the subscription namespace for changes of a single chat.
func ChatPrefix(chatID string) string {
	return ChatNamespace + chatID + "."
}

// ChatChange is the payload of a per-chat change event.
type ChatChange struct {
	ChatID     string   `json:"chatId"`
	Change     string   `json:"change"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// NewEvent stamps a new event with an id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// ChatEvent builds the change event for chatID.
func ChatEvent(chatID, change string, messageIDs ...string) Event {
	return NewEvent(ChatPrefix(chatID)+change, ChatChange{
		ChatID:     chatID,
		Change:     change,
		MessageIDs: messageIDs,
	})
}

// SendFailure is the payload of KindSendFailed.
type SendFailure struct {
	LocalID string `json:"localId"`
	ChatID  string `json:"chatId"`
	Reason  string `json:"reason"`
}

// Delivery is the payload of KindDelivered.
type Delivery struct {
	LocalID   string `json:"localId"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}
