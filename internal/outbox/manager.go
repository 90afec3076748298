//go:generate go run go.uber.org/mock/mockgen -source=manager.go -destination=../../mocks/mock_deliverer.go -package=mocks -mock_names=Deliverer=MockDeliverer
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

const (
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxRetries    = 3
)

// Deliverer writes a queued message through to the authoritative store and
// returns the confirmed message id. A retried delivery of the same entry must
// return the original id.
type Deliverer interface {
	Deliver(ctx context.Context, entry chat.QueuedMessage) (string, error)
}

// FlushResult summarises one flush pass.
type FlushResult struct {
	Attempted    int
	Delivered    int
	Retried      int
	DeadLettered int
	// Interrupted is set when the pass stopped early on a connectivity failure.
	Interrupted bool
}

// Manager replays the queue against the store. Flushes never overlap.
type Manager struct {
	queue      *Queue
	deliverer  Deliverer
	bus        *bus.Bus
	logger     *zap.Logger
	interval   time.Duration
	maxRetries int

	flushMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a queue manager. Zero interval or negative retries take
// the defaults.
func NewManager(q *Queue, d Deliverer, b *bus.Bus, interval time.Duration, maxRetries int, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		queue:      q,
		deliverer:  d,
		bus:        b,
		logger:     logger,
		interval:   interval,
		maxRetries: maxRetries,
	}
}

// Queue returns the managed queue.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// Start flushes on every tick and whenever connectivity is restored. Calling
// Start on a running manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	m.done = done
	restored, unsub := m.bus.Subscribe(bus.KindNetRestored, 4)
	go func() {
		defer close(done)
		defer unsub()
		m.loop(ctx, restored)
	}()
}

// Running reports whether the manager loop is started.
func (m *Manager) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Stop stops the manager loop and waits for an in-flight flush to finish.
// The manager can be started again afterwards.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
}

func (m *Manager) loop(ctx context.Context, restored <-chan bus.Event) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushAndLog(ctx, "tick")
		case <-restored:
			m.flushAndLog(ctx, "net_restored")
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) flushAndLog(ctx context.Context, trigger string) {
	res, err := m.Flush(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("queue flush failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if res.Attempted > 0 {
		m.logger.Info("queue flushed",
			zap.String("trigger", trigger),
			zap.Int("attempted", res.Attempted),
			zap.Int("delivered", res.Delivered),
			zap.Int("retried", res.Retried),
			zap.Int("dead_lettered", res.DeadLettered),
			zap.Bool("interrupted", res.Interrupted))
	}
}

// Flush replays queued entries oldest first. A delivered entry leaves the
// queue. A connectivity failure charges that entry one retry and ends the pass,
// since later entries would fail the same way. An entry whose retries exceed
// the budget, or that the store rejects outright, becomes a dead letter and a
// bus.KindSendFailed event is published.
func (m *Manager) Flush(ctx context.Context) (FlushResult, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	var res FlushResult
	entries, err := m.queue.List("")
	if err != nil {
		return res, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		msgID, err := m.deliverer.Deliver(ctx, entry)
		if err == nil {
			if _, err := m.queue.Remove(entry.LocalID); err != nil {
				return res, err
			}
			res.Delivered++
			m.logger.Debug("queued message delivered",
				zap.String("local_id", entry.LocalID),
				zap.String("message_id", msgID))
			m.bus.Publish(bus.NewEvent(bus.KindDelivered, bus.Delivery{
				LocalID: entry.LocalID, ChatID: entry.ChatID, MessageID: msgID,
			}))
			m.bus.Publish(bus.ChatEvent(entry.ChatID, bus.ChangeQueue, entry.LocalID))
			continue
		}

		if !chat.IsConnectivity(err) {
			if err := m.deadLetter(entry, err.Error()); err != nil {
				return res, err
			}
			res.DeadLettered++
			continue
		}

		entry.RetryCount++
		entry.LastError = err.Error()
		if entry.RetryCount > m.maxRetries {
			if err := m.deadLetter(entry, "retries exhausted: "+err.Error()); err != nil {
				return res, err
			}
			res.DeadLettered++
		} else {
			if err := m.queue.Update(entry); err != nil {
				return res, err
			}
			res.Retried++
		}
		res.Interrupted = true
		return res, nil
	}
	return res, nil
}

func (m *Manager) deadLetter(entry chat.QueuedMessage, reason string) error {
	if _, err := m.queue.DeadLetter(entry, reason); err != nil {
		return err
	}
	m.logger.Warn("queued message failed",
		zap.String("local_id", entry.LocalID),
		zap.String("chat_id", entry.ChatID),
		zap.Int("retries", entry.RetryCount),
		zap.String("reason", reason))
	m.bus.Publish(bus.NewEvent(bus.KindSendFailed, bus.SendFailure{
		LocalID: entry.LocalID, ChatID: entry.ChatID, Reason: reason,
	}))
	m.bus.Publish(bus.ChatEvent(entry.ChatID, bus.ChangeQueue, entry.LocalID))
	return nil
}

// Requeue gives a dead letter a fresh retry budget at the tail of the queue.
func (m *Manager) Requeue(localID string) (chat.QueuedMessage, error) {
	entry, err := m.queue.Requeue(localID)
	if err != nil {
		return chat.QueuedMessage{}, err
	}
	m.bus.Publish(bus.ChatEvent(entry.ChatID, bus.ChangeQueue, entry.LocalID))
	return entry, nil
}

// Discard drops a dead letter. It reports whether the entry existed.
func (m *Manager) Discard(localID string) (bool, error) {
	dl, err := m.queue.Discard(localID)
	if err != nil || dl == nil {
		return false, err
	}
	m.bus.Publish(bus.ChatEvent(dl.ChatID, bus.ChangeQueue, localID))
	return true, nil
}
