package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/identity"
)

// DefaultTTL is how long a typing record lives without being refreshed.
const DefaultTTL = 3 * time.Second

// ChatLookup resolves chat participants. *store.DB satisfies it.
type ChatLookup interface {
	GetChat(ctx context.Context, id string) (*chat.Chat, error)
}

// Tracker publishes and observes the typing flags of chat participants.
type Tracker struct {
	backend  Backend
	chats    ChatLookup
	identity identity.Provider
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewTracker creates a typing tracker. chats is optional; with it a new
// subscriber is told right away that a silent other participant is not typing.
func NewTracker(backend Backend, chats ChatLookup, id identity.Provider, ttl time.Duration, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{backend: backend, chats: chats, identity: id, ttl: ttl, now: time.Now, logger: logger}
}

// TTL returns the record lifetime.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// SetTyping sets or clears the typing flag of userID in chatID. A set flag
// lapses after the TTL unless it is set again.
func (t *Tracker) SetTyping(ctx context.Context, chatID, userID string, isTyping bool) error {
	user, ok := identity.Resolve(ctx, t.identity)
	if !ok {
		return nil
	}
	if userID == "" {
		userID = user
	}
	if chatID == "" || userID == "" {
		return &chat.ValidationError{Field: "typing", Reason: "chat and user are required"}
	}
	if user != "" && user != userID {
		return &chat.PermissionError{UserID: user, Action: "set typing for", Resource: userID}
	}

	status := chat.TypingStatus{ChatID: chatID, UserID: userID, IsTyping: isTyping, Timestamp: t.now()}
	if err := t.backend.Put(ctx, status, t.ttl); err != nil {
		return chat.Classify("set typing", err)
	}
	return nil
}

// TypingSubscription is a live view of the other participant's typing flag.
type TypingSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *TypingSubscription) Unsubscribe() { s.once.Do(s.cancel) }

// Done is closed once the subscription goroutine has exited.
func (s *TypingSubscription) Done() <-chan struct{} { return s.done }

// SubscribeTyping reports typing transitions of everyone in chatID except
// viewerID. fn is called with true when a user starts typing and with false
// when they stop or their record expires. Callbacks run sequentially.
func (t *Tracker) SubscribeTyping(ctx context.Context, chatID, viewerID string, fn func(userID string, typing bool)) (*TypingSubscription, error) {
	user, ok := identity.Resolve(ctx, t.identity)
	if !ok {
		return nil, nil
	}
	if viewerID == "" {
		viewerID = user
	}
	if fn == nil {
		return nil, &chat.ValidationError{Field: "callback", Reason: "required"}
	}

	var other string
	if t.chats != nil {
		c, err := t.chats.GetChat(ctx, chatID)
		if err != nil {
			return nil, chat.Classify("load chat", err)
		}
		if c == nil {
			return nil, &chat.NotFoundError{Kind: "chat", ID: chatID}
		}
		if viewerID != "" && !c.HasParticipant(viewerID) {
			return nil, &chat.PermissionError{UserID: viewerID, Action: "watch", Resource: "chat " + chatID}
		}
		other = c.Other(viewerID)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, stopWatch, err := t.backend.Watch(wctx, chatID)
	if err != nil {
		cancel()
		return nil, chat.Classify("watch typing", err)
	}
	active, err := t.backend.Active(ctx, chatID)
	if err != nil {
		stopWatch()
		cancel()
		return nil, chat.Classify("load typing", err)
	}

	sub := &TypingSubscription{cancel: cancel, done: make(chan struct{})}
	stopParent := context.AfterFunc(ctx, sub.Unsubscribe)

	w := &watcher{
		viewer:    viewerID,
		other:     other,
		ttl:       t.ttl,
		now:       t.now,
		fn:        fn,
		deadlines: make(map[string]time.Time),
	}
	go func() {
		defer close(sub.done)
		defer stopWatch()
		defer stopParent()
		w.run(wctx, active, updates)
	}()
	return sub, nil
}

type watcher struct {
	viewer    string
	other     string
	ttl       time.Duration
	now       func() time.Time
	fn        func(string, bool)
	deadlines map[string]time.Time
}

func (w *watcher) relevant(userID string) bool {
	if userID == w.viewer {
		return false
	}
	return w.other == "" || userID == w.other
}

func (w *watcher) run(ctx context.Context, active []chat.TypingStatus, updates <-chan chat.TypingStatus) {
	for _, s := range active {
		w.apply(s)
	}
	if w.other != "" {
		if _, typing := w.deadlines[w.other]; !typing {
			w.fn(w.other, false)
		}
	}

	ticker := time.NewTicker(w.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			w.apply(s)
		case <-ticker.C:
			w.expire()
		}
	}
}

func (w *watcher) apply(s chat.TypingStatus) {
	if !w.relevant(s.UserID) {
		return
	}
	_, wasTyping := w.deadlines[s.UserID]
	if !s.IsTyping {
		if wasTyping {
			delete(w.deadlines, s.UserID)
			w.fn(s.UserID, false)
		}
		return
	}
	deadline := s.Timestamp.Add(w.ttl)
	if !w.now().Before(deadline) {
		return
	}
	w.deadlines[s.UserID] = deadline
	if !wasTyping {
		w.fn(s.UserID, true)
	}
}

func (w *watcher) expire() {
	now := w.now()
	for userID, deadline := range w.deadlines {
		if !now.Before(deadline) {
			delete(w.deadlines, userID)
			w.fn(userID, false)
		}
	}
}
