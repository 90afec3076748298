package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/chat"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	q, err := NewQueue(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.Close()
		_ = db.Close()
	})
	return q
}

func draft(text string) chat.Draft {
	return chat.Draft{SenderID: "alice", Type: chat.TypeText, Text: text, ClientSentAt: time.Now()}
}

func TestQueueEnqueueListOrder(t *testing.T) {
	req := require.New(t)
	q := testQueue(t)

	var ids []string
	for i, text := range []string{"one", "two", "three"} {
		chatID := "alice_bob"
		if i == 1 {
			chatID = "alice_carol"
		}
		entry, err := q.Enqueue(chatID, draft(text))
		req.NoError(err)
		req.True(chat.IsPending(entry.LocalID))
		req.NotEmpty(entry.Payload.IdempotencyKey)
		req.Zero(entry.RetryCount)
		ids = append(ids, entry.LocalID)
	}

	all, err := q.List("")
	req.NoError(err)
	req.Len(all, 3)
	for i, e := range all {
		req.Equal(ids[i], e.LocalID)
	}

	bob, err := q.List("alice_bob")
	req.NoError(err)
	req.Len(bob, 2)
	req.Equal("one", bob[0].Payload.Text)
	req.Equal("three", bob[1].Payload.Text)

	n, err := q.Len()
	req.NoError(err)
	req.Equal(3, n)
}

func TestQueueKeepsCallerIdempotencyKey(t *testing.T) {
	q := testQueue(t)
	d := draft("x")
	d.IdempotencyKey = "caller-key"
	entry, err := q.Enqueue("alice_bob", d)
	require.NoError(t, err)
	require.Equal(t, "caller-key", entry.Payload.IdempotencyKey)
}

func TestQueueUpdateKeepsPosition(t *testing.T) {
	req := require.New(t)
	q := testQueue(t)

	first, err := q.Enqueue("alice_bob", draft("first"))
	req.NoError(err)
	_, err = q.Enqueue("alice_bob", draft("second"))
	req.NoError(err)

	first.RetryCount = 2
	first.LastError = "offline"
	req.NoError(q.Update(first))

	got, err := q.Get(first.LocalID)
	req.NoError(err)
	req.NotNil(got)
	req.Equal(2, got.RetryCount)

	all, err := q.List("")
	req.NoError(err)
	req.Equal(first.LocalID, all[0].LocalID)

	err = q.Update(chat.QueuedMessage{LocalID: "pending_missing"})
	req.True(errors.Is(err, chat.ErrNotFound))
}

func TestQueueRemove(t *testing.T) {
	req := require.New(t)
	q := testQueue(t)

	entry, err := q.Enqueue("alice_bob", draft("bye"))
	req.NoError(err)

	removed, err := q.Remove(entry.LocalID)
	req.NoError(err)
	req.True(removed)

	removed, err = q.Remove(entry.LocalID)
	req.NoError(err)
	req.False(removed)

	got, err := q.Get(entry.LocalID)
	req.NoError(err)
	req.Nil(got)
}

func TestQueueDeadLetterRequeueDiscard(t *testing.T) {
	req := require.New(t)
	q := testQueue(t)

	a, err := q.Enqueue("alice_bob", draft("a"))
	req.NoError(err)
	b, err := q.Enqueue("alice_bob", draft("b"))
	req.NoError(err)

	a.RetryCount = 4
	dl, err := q.DeadLetter(a, "retries exhausted")
	req.NoError(err)
	req.Equal("retries exhausted", dl.Reason)
	req.False(dl.FailedAt.IsZero())

	queued, err := q.List("")
	req.NoError(err)
	req.Len(queued, 1)
	req.Equal(b.LocalID, queued[0].LocalID)

	dead, err := q.DeadLetters("alice_bob")
	req.NoError(err)
	req.Len(dead, 1)
	req.Equal(a.LocalID, dead[0].LocalID)
	req.Equal(4, dead[0].RetryCount)

	back, err := q.Requeue(a.LocalID)
	req.NoError(err)
	req.Zero(back.RetryCount)
	req.Equal(a.Payload.IdempotencyKey, back.Payload.IdempotencyKey)

	queued, err = q.List("")
	req.NoError(err)
	req.Len(queued, 2)
	req.Equal(a.LocalID, queued[1].LocalID, "requeued entry goes to the tail")

	dead, err = q.DeadLetters("")
	req.NoError(err)
	req.Empty(dead)

	_, err = q.Requeue(a.LocalID)
	req.True(errors.Is(err, chat.ErrNotFound))

	_, err = q.DeadLetter(b, "rejected")
	req.NoError(err)
	dropped, err := q.Discard(b.LocalID)
	req.NoError(err)
	req.NotNil(dropped)
	req.Equal("alice_bob", dropped.ChatID)
	dropped, err = q.Discard(b.LocalID)
	req.NoError(err)
	req.Nil(dropped)
}

func TestQueueSurvivesReopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	q, err := OpenQueue(dir, nil)
	req.NoError(err)
	entry, err := q.Enqueue("alice_bob", draft("durable"))
	req.NoError(err)
	req.NoError(q.Close())

	q, err = OpenQueue(dir, nil)
	req.NoError(err)
	defer func() { _ = q.Close() }()

	all, err := q.List("")
	req.NoError(err)
	req.Len(all, 1)
	req.Equal(entry.LocalID, all[0].LocalID)

	next, err := q.Enqueue("alice_bob", draft("after restart"))
	req.NoError(err)
	all, err = q.List("")
	req.NoError(err)
	req.Equal(next.LocalID, all[1].LocalID, "sequence continues after reopen")
}

func TestQueuePendingChats(t *testing.T) {
	req := require.New(t)
	q := testQueue(t)

	_, ok, err := q.PendingChat("alice_bob")
	req.NoError(err)
	req.False(ok)

	req.NoError(q.PutPendingChat("alice_bob", [2]string{"alice", "bob"}))
	p, ok, err := q.PendingChat("alice_bob")
	req.NoError(err)
	req.True(ok)
	req.Equal([2]string{"alice", "bob"}, p)

	req.NoError(q.DropPendingChat("alice_bob"))
	_, ok, err = q.PendingChat("alice_bob")
	req.NoError(err)
	req.False(ok)
}
