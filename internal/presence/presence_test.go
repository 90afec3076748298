package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/identity"
)

type staticChats map[string]*chat.Chat

func (s staticChats) GetChat(_ context.Context, id string) (*chat.Chat, error) {
	return s[id], nil
}

var testChats = staticChats{
	"alice_bob": {ID: "alice_bob", Participants: [2]string{"alice", "bob"}},
}

type change struct {
	user   string
	typing bool
}

func collect(t *testing.T) (func(string, bool), func() change) {
	t.Helper()
	ch := make(chan change, 16)
	fn := func(user string, typing bool) { ch <- change{user, typing} }
	next := func() change {
		t.Helper()
		select {
		case c := <-ch:
			return c
		case <-time.After(3 * time.Second):
			t.Fatal("no typing change")
			return change{}
		}
	}
	return fn, next
}

func testTracker(backend Backend, ttl time.Duration) *Tracker {
	return NewTracker(backend, testChats, nil, ttl, nil)
}

func TestSubscribeTypingReportsOtherParticipant(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	tr := testTracker(NewMemoryBackend(bus.New()), time.Minute)

	fn, next := collect(t)
	sub, err := tr.SubscribeTyping(ctx, "alice_bob", "alice", fn)
	req.NoError(err)
	defer sub.Unsubscribe()

	req.Equal(change{"bob", false}, next())

	req.NoError(tr.SetTyping(ctx, "alice_bob", "alice", true))
	req.NoError(tr.SetTyping(ctx, "alice_bob", "bob", true))
	req.Equal(change{"bob", true}, next())

	req.NoError(tr.SetTyping(ctx, "alice_bob", "bob", false))
	req.Equal(change{"bob", false}, next())
}

func TestSubscribeTypingSeesActiveRecords(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	tr := testTracker(NewMemoryBackend(bus.New()), time.Minute)
	req.NoError(tr.SetTyping(ctx, "alice_bob", "bob", true))

	fn, next := collect(t)
	sub, err := tr.SubscribeTyping(ctx, "alice_bob", "alice", fn)
	req.NoError(err)
	defer sub.Unsubscribe()

	req.Equal(change{"bob", true}, next())
}

func TestTypingExpires(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	tr := testTracker(NewMemoryBackend(bus.New()), 200*time.Millisecond)

	fn, next := collect(t)
	sub, err := tr.SubscribeTyping(ctx, "alice_bob", "alice", fn)
	req.NoError(err)
	defer sub.Unsubscribe()
	req.Equal(change{"bob", false}, next())

	req.NoError(tr.SetTyping(ctx, "alice_bob", "bob", true))
	req.Equal(change{"bob", true}, next())
	req.Equal(change{"bob", false}, next())
}

func TestMemoryBackendActiveDropsExpired(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	m := NewMemoryBackend(bus.New())
	m.now = func() time.Time { return now }

	req.NoError(m.Put(ctx, chat.TypingStatus{ChatID: "alice_bob", UserID: "bob", IsTyping: true, Timestamp: now}, time.Second))
	active, err := m.Active(ctx, "alice_bob")
	req.NoError(err)
	req.Len(active, 1)

	now = now.Add(time.Second)
	active, err = m.Active(ctx, "alice_bob")
	req.NoError(err)
	req.Empty(active)
}

func TestSetTypingIdentity(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	backend := NewMemoryBackend(bus.New())

	asAlice := NewTracker(backend, testChats, identity.Static("alice"), 0, nil)
	req.Equal(DefaultTTL, asAlice.TTL())
	req.ErrorIs(asAlice.SetTyping(ctx, "alice_bob", "bob", true), chat.ErrPermission)
	req.NoError(asAlice.SetTyping(ctx, "alice_bob", "", true))

	active, err := backend.Active(ctx, "alice_bob")
	req.NoError(err)
	req.Len(active, 1)
	req.Equal("alice", active[0].UserID)

	nobody := NewTracker(backend, testChats, identity.Static(""), 0, nil)
	req.NoError(nobody.SetTyping(ctx, "alice_bob", "bob", true))
	sub, err := nobody.SubscribeTyping(ctx, "alice_bob", "bob", func(string, bool) {})
	req.NoError(err)
	req.Nil(sub)
}

func TestSubscribeTypingChecks(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	tr := testTracker(NewMemoryBackend(bus.New()), time.Minute)

	_, err := tr.SubscribeTyping(ctx, "alice_zed", "alice", func(string, bool) {})
	req.ErrorIs(err, chat.ErrNotFound)
	_, err = tr.SubscribeTyping(ctx, "alice_bob", "carol", func(string, bool) {})
	req.ErrorIs(err, chat.ErrPermission)
	_, err = tr.SubscribeTyping(ctx, "alice_bob", "alice", nil)
	req.ErrorIs(err, chat.ErrValidation)
}

func TestUnsubscribeTyping(t *testing.T) {
	req := require.New(t)
	b := bus.New()
	tr := testTracker(NewMemoryBackend(b), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := tr.SubscribeTyping(ctx, "alice_bob", "alice", func(string, bool) {})
	req.NoError(err)
	cancel()
	sub.Unsubscribe()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	req.Eventually(func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("CHATSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATSYNC_TEST_REDIS_ADDR not set")
	}
	req := require.New(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	req.NoError(client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })

	chatID := "alice_bob_" + time.Now().Format("150405.000000")
	chats := staticChats{chatID: {ID: chatID, Participants: [2]string{"alice", "bob"}}}
	tr := NewTracker(NewRedisBackend(client), chats, nil, time.Second, nil)

	fn, next := collect(t)
	sub, err := tr.SubscribeTyping(ctx, chatID, "alice", fn)
	req.NoError(err)
	defer sub.Unsubscribe()
	req.Equal(change{"bob", false}, next())

	req.NoError(tr.SetTyping(ctx, chatID, "bob", true))
	req.Equal(change{"bob", true}, next())

	active, err := NewRedisBackend(client).Active(ctx, chatID)
	req.NoError(err)
	req.Len(active, 1)

	req.NoError(tr.SetTyping(ctx, chatID, "bob", false))
	req.Equal(change{"bob", false}, next())
}
