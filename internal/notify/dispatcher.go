package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Dispatcher fans a confirmed message out to the notification service and the
// push service. Dispatch runs detached from the caller; failures are logged and
// never reach the sender.
type Dispatcher struct {
	notifier Notifier
	pusher   Pusher
	profiles Profiles
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil pusher disables push.
func NewDispatcher(n Notifier, p Pusher, profiles Profiles, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if p == nil {
		p = NopPusher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, pusher: p, profiles: profiles, timeout: timeout, logger: logger}
}

// MessageSent notifies the other participant of c about m in the background.
func (d *Dispatcher) MessageSent(c chat.Chat, m chat.Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.DispatchMessage(ctx, c, m)
	}()
}

// ChatRead marks userID's notifications about chatID as read in the background.
func (d *Dispatcher) ChatRead(userID, chatID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.MarkChatRead(ctx, userID, chatID); err != nil {
			d.logger.Warn("failed to mark chat notifications read",
				zap.String("user_id", userID), zap.String("chat_id", chatID), zap.Error(err))
		}
	}()
}

// Wait blocks until background dispatches have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// DispatchMessage creates the in-app notification and sends the push for m,
// synchronously.
func (d *Dispatcher) DispatchMessage(ctx context.Context, c chat.Chat, m chat.Message) {
	recipient := c.Other(m.SenderID)
	if recipient == "" {
		d.logger.Warn("no recipient for notification", zap.String("chat_id", c.ID), zap.String("sender_id", m.SenderID))
		return
	}

	name := d.senderName(ctx, m.SenderID)
	text := m.Text
	if text == "" {
		text = "New message"
	}
	err := d.notifier.Create(ctx, Notification{
		UserID:  recipient,
		Kind:    KindChatMessage,
		Title:   name,
		Message: text,
		ChatID:  c.ID,
		Data:    map[string]string{"chatId": c.ID, "senderId": m.SenderID},
	})
	if err != nil {
		d.logger.Warn("failed to create notification", zap.String("chat_id", c.ID), zap.Error(err))
	}

	err = d.pusher.Push(ctx, PushMessage{
		ChatID:      c.ID,
		SenderID:    m.SenderID,
		RecipientID: recipient,
		MessageText: m.Text,
	})
	if err != nil {
		d.logger.Warn("failed to send push", zap.String("chat_id", c.ID), zap.Error(err))
	}
}

func (d *Dispatcher) senderName(ctx context.Context, userID string) string {
	if d.profiles == nil {
		return FallbackName
	}
	p, err := d.profiles.Lookup(ctx, userID)
	if err != nil {
		d.logger.Debug("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		return FallbackName
	}
	if p == nil || p.DisplayName == "" {
		return FallbackName
	}
	return p.DisplayName
}
