package sync

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/notify"
)

// DefaultSendTimeout bounds a single store call. A call that exceeds it is
// treated as a connectivity failure.
const DefaultSendTimeout = 10 * time.Second

// Store is the authoritative chat store as seen by the engine.
// *store.DB satisfies it.
type Store interface {
	CreateChat(ctx context.Context, a, b string) (*chat.Chat, bool, error)
	GetChat(ctx context.Context, id string) (*chat.Chat, error)
	ListChatsFor(ctx context.Context, userID string) ([]chat.ChatOverview, error)
	AppendMessage(ctx context.Context, chatID string, d chat.Draft) (*chat.Message, bool, error)
	ListMessages(ctx context.Context, chatID string) ([]chat.Message, error)
}

// Queue is the local offline queue as seen by the engine.
// *outbox.Queue satisfies it.
type Queue interface {
	Enqueue(chatID string, d chat.Draft) (chat.QueuedMessage, error)
	List(chatID string) ([]chat.QueuedMessage, error)
	DeadLetters(chatID string) ([]chat.DeadLetter, error)
	PutPendingChat(chatID string, participants [2]string) error
	PendingChat(chatID string) ([2]string, bool, error)
	DropPendingChat(chatID string) error
}

// Observer is told the outcome of every store call. *netstate.Machine
// satisfies it.
type Observer interface {
	Observe(err error) netstate.State
}

// Engine is the message store and realtime sync front end. It writes through
// to the authoritative store, falls back to the offline queue on connectivity
// failures, and publishes per-chat change events on the bus.
type Engine struct {
	store       Store
	queue       Queue
	bus         *bus.Bus
	identity    identity.Provider
	dispatcher  *notify.Dispatcher
	observer    Observer
	reconciler  *Reconciler
	sendTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdentity gates every operation on the current user. Without it the
// engine trusts its caller.
func WithIdentity(p identity.Provider) Option {
	return func(e *Engine) { e.identity = p }
}

// WithDispatcher enables notification and push dispatch after each send.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithObserver reports store call outcomes, typically to a netstate.Machine.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// NewEngine creates a new sync engine.
func NewEngine(st Store, q Queue, b *bus.Bus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:       st,
		queue:       q,
		bus:         b,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reconciler = NewReconciler(q)
	return e
}

// caller returns the acting user. ok is false when an identity provider is
// configured and reports nobody, in which case the operation is a no-op.
func (e *Engine) caller(ctx context.Context) (userID string, ok bool) {
	return identity.Resolve(ctx, e.identity)
}

// storeCall bounds ctx by the send timeout.
func (e *Engine) storeCall(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.sendTimeout)
}

// observe classifies err, reports it to the observer and returns it.
func (e *Engine) observe(op string, err error) error {
	err = chat.Classify(op, err)
	if e.observer != nil {
		e.observer.Observe(err)
	}
	return err
}

// EnsureChat returns the chat id for a and b, creating the chat if it does not
// exist yet. Concurrent calls for the same pair produce a single chat. When the
// store is unreachable the pair is remembered locally and the chat is created
// by the first queued delivery.
func (e *Engine) EnsureChat(ctx context.Context, a, b string) (string, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return "", nil
	}
	if a == "" || b == "" {
		return "", &chat.ValidationError{Field: "participants", Reason: "both participants are required"}
	}
	if a == b {
		return "", &chat.ValidationError{Field: "participants", Reason: "a chat needs two different participants"}
	}
	if user != "" && user != a && user != b {
		return "", &chat.PermissionError{UserID: user, Action: "create", Resource: "chat " + chat.ID(a, b)}
	}

	id := chat.ID(a, b)
	sctx, cancel := e.storeCall(ctx)
	defer cancel()
	c, created, err := e.store.CreateChat(sctx, a, b)
	if err = e.observe("ensure chat", err); err != nil {
		if !chat.IsConnectivity(err) {
			return "", err
		}
		if qerr := e.queue.PutPendingChat(id, chat.Participants(a, b)); qerr != nil {
			return "", fmt.Errorf("remember pending chat: %w", qerr)
		}
		e.logger.Info("chat creation deferred", zap.String("chat_id", id), zap.Error(err))
		return id, nil
	}
	if created {
		e.logger.Info("chat created", zap.String("chat_id", c.ID))
	}
	e.reconciler.RememberChat(*c)
	e.settlePendingChat(c.ID)
	return c.ID, nil
}

// Send validates d and writes it to the store. It returns the confirmed message
// id, or a pending id when the store could not be reached and the message was
// queued. Validation and permission failures are returned and never queued.
// A retried send with the same idempotency key returns the original id.
func (e *Engine) Send(ctx context.Context, chatID string, d chat.Draft) (string, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return "", nil
	}
	if err := chat.ValidateDraft(d); err != nil {
		return "", err
	}
	if user != "" && user != d.SenderID {
		return "", &chat.PermissionError{UserID: user, Action: "send as", Resource: d.SenderID}
	}
	if d.ClientSentAt.IsZero() {
		d.ClientSentAt = e.now()
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = chat.IdempotencyKey(d)
	}

	msg, err := e.write(ctx, chatID, d)
	if err == nil {
		return msg.ID, nil
	}
	if !chat.IsConnectivity(err) {
		return "", err
	}
	if !e.participates(chatID, d.SenderID) {
		return "", &chat.PermissionError{UserID: d.SenderID, Action: "send to", Resource: "chat " + chatID}
	}

	entry, qerr := e.queue.Enqueue(chatID, d)
	if qerr != nil {
		return "", fmt.Errorf("queue message after %v: %w", err, qerr)
	}
	e.logger.Info("message queued",
		zap.String("chat_id", chatID),
		zap.String("local_id", entry.LocalID),
		zap.Error(err))
	e.bus.Publish(bus.NewEvent(bus.KindQueued, entry))
	e.bus.Publish(bus.ChatEvent(chatID, bus.ChangeQueue, entry.LocalID))
	return entry.LocalID, nil
}

// Deliver writes a queued entry through to the store. It is the flush path of
// the offline queue and behaves like a direct Send: the summary is updated and
// the other participant is notified. Connectivity failures are returned as
// *chat.ConnectivityError so the queue can retry.
func (e *Engine) Deliver(ctx context.Context, entry chat.QueuedMessage) (string, error) {
	msg, err := e.write(ctx, entry.ChatID, entry.Payload)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// write appends d to the chat, creating a locally remembered pending chat first
// if needed.
func (e *Engine) write(ctx context.Context, chatID string, d chat.Draft) (*chat.Message, error) {
	sctx, cancel := e.storeCall(ctx)
	defer cancel()

	c, err := e.store.GetChat(sctx, chatID)
	if err = e.observe("send", err); err != nil {
		return nil, err
	}
	if c == nil {
		if c, err = e.createPendingChat(sctx, chatID); err != nil {
			return nil, err
		}
	} else {
		e.settlePendingChat(chatID)
	}
	e.reconciler.RememberChat(*c)
	if !c.HasParticipant(d.SenderID) {
		return nil, &chat.PermissionError{UserID: d.SenderID, Action: "send to", Resource: "chat " + chatID}
	}

	msg, created, err := e.store.AppendMessage(sctx, chatID, d)
	if err = e.observe("send", err); err != nil {
		return nil, err
	}
	if !created {
		e.logger.Debug("duplicate send collapsed",
			zap.String("chat_id", chatID),
			zap.String("message_id", msg.ID))
		return msg, nil
	}

	e.logger.Debug("message stored", zap.String("chat_id", chatID), zap.String("message_id", msg.ID), zap.Int64("seq", msg.Seq))
	e.bus.Publish(bus.ChatEvent(chatID, bus.ChangeMessage, msg.ID))
	if e.dispatcher != nil {
		e.dispatcher.MessageSent(*c, *msg)
	}
	return msg, nil
}

func (e *Engine) createPendingChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	participants, ok, err := e.queue.PendingChat(chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &chat.NotFoundError{Kind: "chat", ID: chatID}
	}
	c, _, err := e.store.CreateChat(ctx, participants[0], participants[1])
	if err = e.observe("send", err); err != nil {
		return nil, err
	}
	if err := e.queue.DropPendingChat(chatID); err != nil {
		e.logger.Warn("failed to drop pending chat", zap.String("chat_id", chatID), zap.Error(err))
	}
	e.logger.Info("deferred chat created", zap.String("chat_id", chatID))
	return c, nil
}

// settlePendingChat forgets a locally remembered chat once the store has it.
func (e *Engine) settlePendingChat(chatID string) {
	_, pending, err := e.queue.PendingChat(chatID)
	if err != nil || !pending {
		return
	}
	if err := e.queue.DropPendingChat(chatID); err != nil {
		e.logger.Warn("failed to drop pending chat", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// ForgetChat drops the cached snapshot, participants and pending record of a
// deleted chat.
func (e *Engine) ForgetChat(chatID string) {
	e.reconciler.Forget(chatID)
	if err := e.queue.DropPendingChat(chatID); err != nil {
		e.logger.Warn("failed to drop pending chat", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// participates reports whether userID belongs to chatID using only local
// knowledge: participants last loaded from the store, a pending chat record,
// or the chat id itself.
func (e *Engine) participates(chatID, userID string) bool {
	if userID == "" {
		return false
	}
	if _, ok := e.reconciler.Participants(chatID); !ok {
		if p, pending, err := e.queue.PendingChat(chatID); err == nil && pending {
			return slices.Contains(p[:], userID)
		}
	}
	return e.reconciler.Participates(chatID, userID)
}

// visible reports whether user may see a queue entry of chatID sent by senderID.
func (e *Engine) visible(user, chatID, senderID string) bool {
	return user == "" || senderID == user || e.participates(chatID, user)
}

// ListChats returns the chats of userID with unread counts, most recent first.
// An empty userID means the current user.
func (e *Engine) ListChats(ctx context.Context, userID string) ([]chat.ChatOverview, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return nil, nil
	}
	if userID == "" {
		userID = user
	}
	if userID == "" {
		return nil, &chat.ValidationError{Field: "userId", Reason: "required"}
	}
	if user != "" && user != userID {
		return nil, &chat.PermissionError{UserID: user, Action: "list chats of", Resource: userID}
	}

	sctx, cancel := e.storeCall(ctx)
	defer cancel()
	chats, err := e.store.ListChatsFor(sctx, userID)
	if err = e.observe("list chats", err); err != nil {
		return nil, err
	}
	return chats, nil
}

// ListQueued returns queued entries of chatID, or of every chat when chatID is
// empty, in enqueue order. An identified caller only sees its own entries and
// those of chats it belongs to.
func (e *Engine) ListQueued(ctx context.Context, chatID string) ([]chat.QueuedMessage, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return nil, nil
	}
	entries, err := e.queue.List(chatID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(entries, func(q chat.QueuedMessage, _ int) bool {
		return e.visible(user, q.ChatID, q.Payload.SenderID)
	}), nil
}

// ListDeadLetters is ListQueued for entries that exhausted their retries.
func (e *Engine) ListDeadLetters(ctx context.Context, chatID string) ([]chat.DeadLetter, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return nil, nil
	}
	dead, err := e.queue.DeadLetters(chatID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(dead, func(d chat.DeadLetter, _ int) bool {
		return e.visible(user, d.ChatID, d.Payload.SenderID)
	}), nil
}

// AuthorizeDeadLetter checks that the caller may requeue or discard the dead
// letter localID. Only its sender may. ok is false for an unauthenticated
// call. An unknown localID passes so the queue reports it.
func (e *Engine) AuthorizeDeadLetter(ctx context.Context, localID string) (bool, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return false, nil
	}
	if user == "" {
		return true, nil
	}
	dead, err := e.queue.DeadLetters("")
	if err != nil {
		return false, err
	}
	d, found := lo.Find(dead, func(d chat.DeadLetter) bool { return d.LocalID == localID })
	if found && d.Payload.SenderID != user {
		return false, &chat.PermissionError{UserID: user, Action: "manage", Resource: "queued message " + localID}
	}
	return true, nil
}

// MergedTimeline returns the confirmed messages of a chat merged with its
// queued and failed local entries, deduplicated and ordered by (time, seq).
// While the store is unreachable the last confirmed snapshot is used.
func (e *Engine) MergedTimeline(ctx context.Context, chatID string) ([]chat.TimelineEntry, error) {
	user, ok := e.caller(ctx)
	if !ok {
		return nil, nil
	}
	if err := e.authorizeRead(ctx, user, chatID); err != nil {
		return nil, err
	}

	confirmed, err := e.snapshot(ctx, chatID)
	if err != nil {
		if !chat.IsConnectivity(err) {
			return nil, err
		}
		confirmed = e.reconciler.LastSnapshot(chatID)
	}
	return e.reconciler.Merge(chatID, confirmed)
}

// snapshot loads the ordered message log of a chat and records it as the
// latest known state.
func (e *Engine) snapshot(ctx context.Context, chatID string) ([]chat.Message, error) {
	sctx, cancel := e.storeCall(ctx)
	defer cancel()
	msgs, err := e.store.ListMessages(sctx, chatID)
	if err = e.observe("load messages", err); err != nil {
		return nil, err
	}
	chat.SortMessages(msgs)
	e.reconciler.Remember(chatID, msgs)
	return msgs, nil
}

// authorizeRead checks that user may read chatID. Unknown users skip the check.
// While the store is unreachable the check uses local knowledge only and
// fails closed.
func (e *Engine) authorizeRead(ctx context.Context, user, chatID string) error {
	if user == "" {
		return nil
	}
	sctx, cancel := e.storeCall(ctx)
	defer cancel()
	c, err := e.store.GetChat(sctx, chatID)
	if err = e.observe("load chat", err); err != nil {
		if !chat.IsConnectivity(err) {
			return err
		}
		if !e.participates(chatID, user) {
			return &chat.PermissionError{UserID: user, Action: "read", Resource: "chat " + chatID}
		}
		return nil
	}
	if c == nil {
		p, pending, _ := e.queue.PendingChat(chatID)
		if !pending {
			return &chat.NotFoundError{Kind: "chat", ID: chatID}
		}
		if !slices.Contains(p[:], user) {
			return &chat.PermissionError{UserID: user, Action: "read", Resource: "chat " + chatID}
		}
		return nil
	}
	e.reconciler.RememberChat(*c)
	if !c.HasParticipant(user) {
		return &chat.PermissionError{UserID: user, Action: "read", Resource: "chat " + chatID}
	}
	return nil
}
