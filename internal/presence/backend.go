package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

// Backend stores typing records and fans out their changes.
type Backend interface {
	// Put stores status for ttl and announces it. A status with IsTyping false
	// removes the record.
	Put(ctx context.Context, status chat.TypingStatus, ttl time.Duration) error
	// Active returns the unexpired typing records of chatID.
	Active(ctx context.Context, chatID string) ([]chat.TypingStatus, error)
	// Watch streams every status put for chatID until cancel is called.
	Watch(ctx context.Context, chatID string) (updates <-chan chat.TypingStatus, cancel func(), err error)
}

const typingNamespace = "typing."

func typingPrefix(chatID string) string {
	return typingNamespace + chatID + "."
}

// MemoryBackend keeps typing records in process and announces them on the
// event bus. It serves a single agent.
type MemoryBackend struct {
	bus *bus.Bus
	now func() time.Time

	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	status  chat.TypingStatus
	expires time.Time
}

// NewMemoryBackend creates an in-process backend publishing on b.
func NewMemoryBackend(b *bus.Bus) *MemoryBackend {
	return &MemoryBackend{bus: b, now: time.Now, records: make(map[string]memoryRecord)}
}

func recordKey(chatID, userID string) string {
	return chatID + "\x00" + userID
}

func (m *MemoryBackend) Put(_ context.Context, status chat.TypingStatus, ttl time.Duration) error {
	key := recordKey(status.ChatID, status.UserID)
	m.mu.Lock()
	if status.IsTyping {
		m.records[key] = memoryRecord{status: status, expires: m.now().Add(ttl)}
	} else {
		delete(m.records, key)
	}
	m.mu.Unlock()

	m.bus.Publish(bus.NewEvent(typingPrefix(status.ChatID)+status.UserID, status))
	return nil
}

func (m *MemoryBackend) Active(_ context.Context, chatID string) ([]chat.TypingStatus, error) {
	now := m.now()
	prefix := chatID + "\x00"

	m.mu.Lock()
	defer m.mu.Unlock()
	var active []chat.TypingStatus
	for key, rec := range m.records {
		if !now.Before(rec.expires) {
			delete(m.records, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			active = append(active, rec.status)
		}
	}
	return active, nil
}

func (m *MemoryBackend) Watch(ctx context.Context, chatID string) (<-chan chat.TypingStatus, func(), error) {
	events, unsub := m.bus.Subscribe(typingPrefix(chatID), 16)
	out := make(chan chat.TypingStatus, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case evt := <-events:
				status, ok := evt.Payload.(chat.TypingStatus)
				if !ok {
					continue
				}
				select {
				case out <- status:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}
