package sync

import (
	"slices"
	gosync "sync"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Reconciler keeps the last confirmed snapshot and participants of each chat
// and merges the snapshot with the entries still held in the local queue.
type Reconciler struct {
	queue Queue

	mu           gosync.RWMutex
	snapshots    map[string][]chat.Message
	participants map[string][2]string
}

// NewReconciler creates a new reconciler.
func NewReconciler(q Queue) *Reconciler {
	return &Reconciler{
		queue:        q,
		snapshots:    make(map[string][]chat.Message),
		participants: make(map[string][2]string),
	}
}

// Remember records msgs as the latest confirmed state of chatID.
func (r *Reconciler) Remember(chatID string, msgs []chat.Message) {
	r.mu.Lock()
	r.snapshots[chatID] = slices.Clone(msgs)
	r.mu.Unlock()
}

// RememberChat records the participants of c as loaded from the store.
func (r *Reconciler) RememberChat(c chat.Chat) {
	r.mu.Lock()
	r.participants[c.ID] = c.Participants
	r.mu.Unlock()
}

// LastSnapshot returns the latest confirmed state of chatID, or nil if it has
// never been loaded.
func (r *Reconciler) LastSnapshot(chatID string) []chat.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.snapshots[chatID])
}

// Participants returns the last known participants of chatID.
func (r *Reconciler) Participants(chatID string) ([2]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[chatID]
	return p, ok
}

// Participates reports whether userID belongs to chatID, using the cached
// participants when known and the chat id otherwise.
func (r *Reconciler) Participates(chatID, userID string) bool {
	if p, ok := r.Participants(chatID); ok {
		return userID != "" && slices.Contains(p[:], userID)
	}
	return chat.IDHasParticipant(chatID, userID)
}

// Forget drops everything known about chatID.
func (r *Reconciler) Forget(chatID string) {
	r.mu.Lock()
	delete(r.snapshots, chatID)
	delete(r.participants, chatID)
	r.mu.Unlock()
}

// Merge combines confirmed with the queued and dead-lettered entries of chatID.
// Entries whose sender is not a participant are left out.
func (r *Reconciler) Merge(chatID string, confirmed []chat.Message) ([]chat.TimelineEntry, error) {
	queued, err := r.queue.List(chatID)
	if err != nil {
		return nil, err
	}
	dead, err := r.queue.DeadLetters(chatID)
	if err != nil {
		return nil, err
	}
	queued = slices.DeleteFunc(queued, func(q chat.QueuedMessage) bool {
		return !r.Participates(chatID, q.Payload.SenderID)
	})
	dead = slices.DeleteFunc(dead, func(d chat.DeadLetter) bool {
		return !r.Participates(chatID, d.Payload.SenderID)
	})
	return chat.MergeTimeline(confirmed, queued, dead), nil
}
