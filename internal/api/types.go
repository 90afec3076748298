package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Chat is the wire form of a chat with its summary.
type Chat struct {
	ID                  string    `json:"id"`
	Participants        [2]string `json:"participants"`
	LastMessage         string    `json:"lastMessage,omitempty"`
	LastMessageAtUnixMs int64     `json:"lastMessageAt,omitempty"`
	LastMessageSenderID string    `json:"lastMessageSenderId,omitempty"`
	CreatedAtUnixMs     int64     `json:"createdAt"`
	UnreadCount         int       `json:"unreadCount"`
}

// Message is the wire form of a confirmed or local message. Status is filled
// in only for messages the viewer sent.
type Message struct {
	ID              string   `json:"id"`
	ChatID          string   `json:"chatId"`
	Seq             int64    `json:"seq,omitempty"`
	SenderID        string   `json:"senderId"`
	Type            string   `json:"type"`
	Text            string   `json:"text"`
	CreatedAtUnixMs int64    `json:"createdAt"`
	SeenBy          []string `json:"seenBy"`
	Status          string   `json:"status,omitempty"`
}

// QueuedEntry is the wire form of an offline queue entry or dead letter.
type QueuedEntry struct {
	LocalID          string `json:"localId"`
	ChatID           string `json:"chatId"`
	SenderID         string `json:"senderId"`
	Type             string `json:"type"`
	Text             string `json:"text"`
	EnqueuedAtUnixMs int64  `json:"enqueuedAt"`
	RetryCount       int    `json:"retryCount"`
	LastError        string `json:"lastError,omitempty"`
	FailedAtUnixMs   int64  `json:"failedAt,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

type EnsureChatRequest struct {
	UserA string `json:"userA"`
	UserB string `json:"userB"`
}

type EnsureChatResponse struct {
	ChatID string `json:"chatId"`
}

type ListChatsRequest struct {
	UserID string `json:"userId,omitempty"`
}

type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
}

type DeleteChatRequest struct {
	ChatID      string `json:"chatId"`
	RequesterID string `json:"requesterId,omitempty"`
}

type DeleteChatResponse struct{}

type RecomputeSummaryRequest struct {
	ChatID string `json:"chatId"`
}

type RecomputeSummaryResponse struct {
	Chat Chat `json:"chat"`
}

type WatchChatRequest struct {
	ChatID   string `json:"chatId"`
	ViewerID string `json:"viewerId,omitempty"`
}

// Snapshot is the full ordered message log of a chat at one point in time.
type Snapshot struct {
	ChatID   string    `json:"chatId"`
	Messages []Message `json:"messages"`
}

type SendRequest struct {
	ChatID             string `json:"chatId"`
	SenderID           string `json:"senderId"`
	Type               string `json:"type,omitempty"`
	Text               string `json:"text"`
	IdempotencyKey     string `json:"idempotencyKey,omitempty"`
	ClientSentAtUnixMs int64  `json:"clientSentAt,omitempty"`
}

type SendResponse struct {
	MessageID string `json:"messageId"`
	Pending   bool   `json:"pending"`
}

type TimelineRequest struct {
	ChatID   string `json:"chatId"`
	ViewerID string `json:"viewerId,omitempty"`
}

type TimelineResponse struct {
	Messages []Message `json:"messages"`
}

type MarkSeenRequest struct {
	ChatID   string `json:"chatId"`
	ReaderID string `json:"readerId,omitempty"`
}

type MarkSeenResponse struct {
	Added int `json:"added"`
}

type DeleteMessageRequest struct {
	ChatID      string `json:"chatId"`
	MessageID   string `json:"messageId"`
	RequesterID string `json:"requesterId,omitempty"`
}

type DeleteMessageResponse struct{}

type DeleteMessagesRequest struct {
	ChatID      string   `json:"chatId"`
	MessageIDs  []string `json:"messageIds"`
	RequesterID string   `json:"requesterId,omitempty"`
}

type DeleteMessagesResponse struct {
	Deleted int `json:"deleted"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Profile            string `json:"profile"`
	Network            string `json:"network"`
	NetworkSinceUnixMs int64  `json:"networkSince"`
	Queued             int    `json:"queued"`
	DeadLetters        int    `json:"deadLetters"`
	UptimeMs           int64  `json:"uptimeMs"`
}

type ListQueuedRequest struct {
	ChatID string `json:"chatId,omitempty"`
}

type ListQueuedResponse struct {
	Queued      []QueuedEntry `json:"queued"`
	DeadLetters []QueuedEntry `json:"deadLetters"`
}

type FlushRequest struct{}

type FlushResponse struct {
	Attempted    int  `json:"attempted"`
	Delivered    int  `json:"delivered"`
	Retried      int  `json:"retried"`
	DeadLettered int  `json:"deadLettered"`
	Interrupted  bool `json:"interrupted"`
}

type RequeueRequest struct {
	LocalID string `json:"localId"`
}

type RequeueResponse struct {
	Entry QueuedEntry `json:"entry"`
}

type DiscardRequest struct {
	LocalID string `json:"localId"`
}

type DiscardResponse struct {
	Discarded bool `json:"discarded"`
}

type WatchEventsRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// EventEnvelope is a bus event as streamed to clients.
type EventEnvelope struct {
	EventID          string          `json:"eventId"`
	Profile          string          `json:"profile"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurredAt"`
	Origin           string          `json:"origin,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type SetTypingRequest struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type SetTypingResponse struct{}

type WatchTypingRequest struct {
	ChatID   string `json:"chatId"`
	ViewerID string `json:"viewerId,omitempty"`
}

// TypingEvent reports one typing transition of the other participant.
type TypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ChatFromDomain converts a chat overview.
func ChatFromDomain(c chat.ChatOverview) Chat {
	return Chat{
		ID:                  c.ID,
		Participants:        c.Participants,
		LastMessage:         c.LastMessage,
		LastMessageAtUnixMs: unixMs(c.LastMessageAt),
		LastMessageSenderID: c.LastMessageSenderID,
		CreatedAtUnixMs:     unixMs(c.CreatedAt),
		UnreadCount:         c.UnreadCount,
	}
}

// MessageFromDomain converts a message. status may be empty.
func MessageFromDomain(m chat.Message, status chat.DeliveryStatus) Message {
	seenBy := m.SeenBy
	if seenBy == nil {
		seenBy = []string{}
	}
	return Message{
		ID:              m.ID,
		ChatID:          m.ChatID,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		Type:            string(m.Type),
		Text:            m.Text,
		CreatedAtUnixMs: unixMs(m.CreatedAt),
		SeenBy:          seenBy,
		Status:          string(status),
	}
}

// QueuedFromDomain converts a queue entry.
func QueuedFromDomain(q chat.QueuedMessage) QueuedEntry {
	return QueuedEntry{
		LocalID:          q.LocalID,
		ChatID:           q.ChatID,
		SenderID:         q.Payload.SenderID,
		Type:             string(q.Payload.Type),
		Text:             q.Payload.Text,
		EnqueuedAtUnixMs: unixMs(q.EnqueuedAt),
		RetryCount:       q.RetryCount,
		LastError:        q.LastError,
	}
}

// DeadLetterFromDomain converts a dead letter.
func DeadLetterFromDomain(d chat.DeadLetter) QueuedEntry {
	e := QueuedFromDomain(d.QueuedMessage)
	e.FailedAtUnixMs = unixMs(d.FailedAt)
	e.Reason = d.Reason
	return e
}

// Draft converts a send request into an outgoing payload. An empty type means text.
func (r *SendRequest) Draft() chat.Draft {
	t := chat.MessageType(r.Type)
	if t == "" {
		t = chat.TypeText
	}
	d := chat.Draft{
		SenderID:       r.SenderID,
		Type:           t,
		Text:           r.Text,
		IdempotencyKey: r.IdempotencyKey,
	}
	if r.ClientSentAtUnixMs > 0 {
		d.ClientSentAt = time.UnixMilli(r.ClientSentAtUnixMs)
	}
	return d
}
