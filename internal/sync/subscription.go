package sync

import (
	"context"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

const subscriptionBuffer = 32

// Subscription is a live view of one chat's message log.
type Subscription struct {
	chatID string
	cancel context.CancelFunc
	once   gosync.Once
	done   chan struct{}
}

// ChatID returns the subscribed chat.
func (s *Subscription) ChatID() string { return s.chatID }

// Unsubscribe stops delivery. It is safe to call more than once and from
// inside the callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe delivers the ordered message log of chatID to fn immediately and
// again after every change to the chat. Callbacks run sequentially on one
// goroutine; bursts of changes collapse into a single snapshot. The
// subscription ends when ctx is cancelled or Unsubscribe is called.
func (e *Engine) Subscribe(ctx context.Context, chatID string, fn func([]chat.Message)) (*Subscription, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return nil, nil
	}
	if fn == nil {
		return nil, &chat.ValidationError{Field: "callback", Reason: "required"}
	}
	if err := e.authorizeRead(ctx, user, chatID); err != nil {
		return nil, err
	}

	changes, stopChanges := e.bus.Subscribe(bus.ChatPrefix(chatID), subscriptionBuffer)
	restored, stopRestored := e.bus.Subscribe(bus.KindNetRestored, 1)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{chatID: chatID, cancel: cancel, done: make(chan struct{})}
	stopParent := context.AfterFunc(ctx, sub.Unsubscribe)

	go func() {
		defer close(sub.done)
		defer stopRestored()
		defer stopChanges()
		defer stopParent()

		e.emit(sctx, chatID, fn)
		for {
			select {
			case <-sctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				drain(changes)
			case <-restored:
			}
			e.emit(sctx, chatID, fn)
		}
	}()
	return sub, nil
}

// emit loads a snapshot and hands it to fn. While the store is unreachable
// nothing is emitted; the next restored event triggers a fresh snapshot.
func (e *Engine) emit(ctx context.Context, chatID string, fn func([]chat.Message)) {
	if ctx.Err() != nil {
		return
	}
	msgs, err := e.snapshot(ctx, chatID)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("subscription snapshot failed", zap.String("chat_id", chatID), zap.Error(err))
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	fn(msgs)
}

func drain(ch <-chan bus.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
