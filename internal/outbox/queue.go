package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Key layout:
//
//	q:{seq padded to 20 digits}  -> QueuedMessage, in enqueue order
//	id:{localId}                 -> the q: key of that entry
//	dead:{localId}               -> DeadLetter
//	chat:{chatId}                -> participants of a chat not yet created remotely
const (
	queuePrefix = "q:"
	indexPrefix = "id:"
	deadPrefix  = "dead:"
	chatPrefix  = "chat:"
	seqKey      = "seq:queue"
)

// Queue is the durable local queue of sends that could not reach the store.
// It survives agent restarts.
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	owned  bool
	now    func() time.Time
	logger *zap.Logger

	// Serialises writers so badger transactions never conflict.
	mu sync.Mutex
}

// OpenQueue opens (or creates) the queue stored in dir.
func OpenQueue(dir string, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(newBadgerLogger(logger)))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	q, err := NewQueue(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewQueue builds a queue on an already open badger database.
func NewQueue(db *badger.DB, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		return nil, fmt.Errorf("queue sequence: %w", err)
	}
	return &Queue{db: db, seq: seq, now: time.Now, logger: logger}, nil
}

// Close releases the sequence lease and, when the queue opened the database,
// closes it.
func (q *Queue) Close() error {
	err := q.seq.Release()
	if q.owned {
		err = errors.Join(err, q.db.Close())
	}
	return err
}

// Enqueue appends a draft for chatID and returns the stored entry with its
// pending id.
func (q *Queue) Enqueue(chatID string, d chat.Draft) (chat.QueuedMessage, error) {
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = chat.IdempotencyKey(d)
	}
	entry := chat.QueuedMessage{
		LocalID:    chat.NewPendingID(),
		ChatID:     chatID,
		Payload:    d,
		EnqueuedAt: q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.seq.Next()
	if err != nil {
		return chat.QueuedMessage{}, fmt.Errorf("next queue seq: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%020d", queuePrefix, n))
	value, err := json.Marshal(entry)
	if err != nil {
		return chat.QueuedMessage{}, err
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set([]byte(indexPrefix+entry.LocalID), key)
	})
	if err != nil {
		return chat.QueuedMessage{}, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("message queued", zap.String("local_id", entry.LocalID), zap.String("chat_id", chatID))
	return entry, nil
}

// List returns queued entries in enqueue order. An empty chatID lists all chats.
func (q *Queue) List(chatID string) ([]chat.QueuedMessage, error) {
	var out []chat.QueuedMessage
	err := q.db.View(func(txn *badger.Txn) error {
		prefix := []byte(queuePrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry chat.QueuedMessage
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			})
			if err != nil {
				return err
			}
			if chatID == "" || entry.ChatID == chatID {
				out = append(out, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return out, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() (int, error) {
	entries, err := q.List("")
	return len(entries), err
}

// Get returns a queued entry, or nil when it is not queued.
func (q *Queue) Get(localID string) (*chat.QueuedMessage, error) {
	var entry *chat.QueuedMessage
	err := q.db.View(func(txn *badger.Txn) error {
		key, err := lookup(txn, localID)
		if err != nil || key == nil {
			return err
		}
		entry, err = readEntry(txn, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get queued %q: %w", localID, err)
	}
	return entry, nil
}

// Update rewrites a queued entry in place, keeping its position.
func (q *Queue) Update(entry chat.QueuedMessage) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(txn *badger.Txn) error {
		key, err := lookup(txn, entry.LocalID)
		if err != nil {
			return err
		}
		if key == nil {
			return &chat.NotFoundError{Kind: "queued message", ID: entry.LocalID}
		}
		return txn.Set(key, value)
	})
}

// Remove deletes a queued entry. It reports whether the entry existed.
func (q *Queue) Remove(localID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed bool
	err := q.db.Update(func(txn *badger.Txn) error {
		key, err := lookup(txn, localID)
		if err != nil || key == nil {
			return err
		}
		removed = true
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(indexPrefix + localID))
	})
	if err != nil {
		return false, fmt.Errorf("remove queued %q: %w", localID, err)
	}
	return removed, nil
}

// DeadLetter moves a queued entry to the dead-letter set in one transaction.
func (q *Queue) DeadLetter(entry chat.QueuedMessage, reason string) (chat.DeadLetter, error) {
	dl := chat.DeadLetter{QueuedMessage: entry, FailedAt: q.now(), Reason: reason}
	value, err := json.Marshal(dl)
	if err != nil {
		return chat.DeadLetter{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.db.Update(func(txn *badger.Txn) error {
		key, err := lookup(txn, entry.LocalID)
		if err != nil {
			return err
		}
		if key != nil {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete([]byte(indexPrefix + entry.LocalID)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(deadPrefix+entry.LocalID), value)
	})
	if err != nil {
		return chat.DeadLetter{}, fmt.Errorf("dead-letter %q: %w", entry.LocalID, err)
	}
	return dl, nil
}

// DeadLetters returns dead-lettered entries in enqueue order. An empty chatID
// lists all chats.
func (q *Queue) DeadLetters(chatID string) ([]chat.DeadLetter, error) {
	var out []chat.DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		prefix := []byte(deadPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dl chat.DeadLetter
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &dl)
			})
			if err != nil {
				return err
			}
			if chatID == "" || dl.ChatID == chatID {
				out = append(out, dl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	slices.SortStableFunc(out, func(a, b chat.DeadLetter) int {
		return a.EnqueuedAt.Compare(b.EnqueuedAt)
	})
	return out, nil
}

// Requeue moves a dead letter back to the tail of the queue with a fresh retry
// budget. The pending id and idempotency key are kept.
func (q *Queue) Requeue(localID string) (chat.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.seq.Next()
	if err != nil {
		return chat.QueuedMessage{}, fmt.Errorf("next queue seq: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%020d", queuePrefix, n))

	var entry chat.QueuedMessage
	err = q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(deadPrefix + localID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &chat.NotFoundError{Kind: "dead letter", ID: localID}
		}
		if err != nil {
			return err
		}
		var dl chat.DeadLetter
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &dl) }); err != nil {
			return err
		}
		entry = dl.QueuedMessage
		entry.RetryCount = 0
		entry.LastError = ""
		value, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(deadPrefix + localID)); err != nil {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set([]byte(indexPrefix+localID), key)
	})
	if err != nil {
		return chat.QueuedMessage{}, fmt.Errorf("requeue %q: %w", localID, err)
	}
	return entry, nil
}

// Discard drops a dead letter for good and returns it, or nil when there was
// no such dead letter.
func (q *Queue) Discard(localID string) (*chat.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *chat.DeadLetter
	err := q.db.Update(func(txn *badger.Txn) error {
		key := []byte(deadPrefix + localID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var dl chat.DeadLetter
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &dl) }); err != nil {
			return err
		}
		dropped = &dl
		return txn.Delete(key)
	})
	if err != nil {
		return nil, fmt.Errorf("discard %q: %w", localID, err)
	}
	return dropped, nil
}

// PutPendingChat remembers the participants of a chat that could not be created
// in the store, so a later delivery can create it first.
func (q *Queue) PutPendingChat(chatID string, participants [2]string) error {
	value, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(chatPrefix+chatID), value)
	})
}

// PendingChat returns the remembered participants of chatID.
func (q *Queue) PendingChat(chatID string) ([2]string, bool, error) {
	var participants [2]string
	var found bool
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(chatPrefix + chatID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &participants) })
	})
	if err != nil {
		return [2]string{}, false, fmt.Errorf("pending chat %q: %w", chatID, err)
	}
	return participants, found, nil
}

// DropPendingChat forgets a pending chat once the store has it.
func (q *Queue) DropPendingChat(chatID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(chatPrefix + chatID))
	})
}

func lookup(txn *badger.Txn, localID string) ([]byte, error) {
	item, err := txn.Get([]byte(indexPrefix + localID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func readEntry(txn *badger.Txn, key []byte) (*chat.QueuedMessage, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry chat.QueuedMessage
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
		return nil, err
	}
	return &entry, nil
}
