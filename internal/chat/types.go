package chat

import "time"

// MessageType classifies a message body. Values other than TypeText are stored
// as-is and rendered by clients as an opaque placeholder.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
)

// Chat is a two-participant conversation container.
type Chat struct {
	ID                  string
	Participants        [2]string
	LastMessage         string
	LastMessageAt       time.Time // zero when the chat has no messages
	LastMessageSenderID string
	CreatedAt           time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID, or "" if userID is not a participant.
func (c *Chat) Other(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// ChatOverview is a chat as listed for one user.
type ChatOverview struct {
	Chat
	UnreadCount int
}

// Message is one confirmed entry of a chat's log.
type Message struct {
	ID             string
	ChatID         string
	Seq            int64
	SenderID       string
	Type           MessageType
	Text           string
	CreatedAt      time.Time
	SeenBy         []string
	IdempotencyKey string
}

// SeenByUser reports whether userID is in the message's seen-by set.
func (m *Message) SeenByUser(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Draft is an outgoing message before the store has confirmed it.
type Draft struct {
	SenderID       string      `json:"senderId" validate:"required"`
	Type           MessageType `json:"type" validate:"required"`
	Text           string      `json:"text" validate:"required_if=Type text"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	ClientSentAt   time.Time   `json:"clientSentAt"`
}

// QueuedMessage is a send that failed for connectivity reasons and waits in the
// local queue for a flush.
type QueuedMessage struct {
	LocalID    string    `json:"localId"`
	ChatID     string    `json:"chatId"`
	Payload    Draft     `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError,omitempty"`
}

// DeadLetter is a queued message that will not be retried automatically.
type DeadLetter struct {
	QueuedMessage
	FailedAt time.Time `json:"failedAt"`
	Reason   string    `json:"reason"`
}

// TypingStatus is the ephemeral composing flag of one user in one chat.
type TypingStatus struct {
	ChatID    string
	UserID    string
	IsTyping  bool
	Timestamp time.Time
}

// DeliveryStatus is the client-side classification of a self-authored message.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusSeen    DeliveryStatus = "seen"
	StatusFailed  DeliveryStatus = "failed"
)

// TimelineEntry is one row of a merged timeline: a confirmed message, or a local
// entry that has not been confirmed yet.
type TimelineEntry struct {
	Message
	Pending bool
	Failed  bool
}

// Summary returns the chat-list preview text for a message.
func Summary(t MessageType, text string) string {
	if t == TypeText {
		return text
	}
	return "[" + string(t) + "]"
}
