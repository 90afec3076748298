package deletion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/store"
)

type fixture struct {
	db   *store.DB
	bus  *bus.Bus
	chat string
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, bus: bus.New(), now: time.UnixMilli(1_700_000_000_000)}
	db.SetClock(func() time.Time { return f.now })

	c, _, err := db.CreateChat(context.Background(), "alice", "bob")
	require.NoError(t, err)
	f.chat = c.ID
	return f
}

// send stores a message one second after the previous one.
func (f *fixture) send(t *testing.T, sender, text string) *chat.Message {
	t.Helper()
	f.now = f.now.Add(time.Second)
	msg, _, err := f.db.AppendMessage(context.Background(), f.chat,
		chat.Draft{SenderID: sender, Type: chat.TypeText, Text: text})
	require.NoError(t, err)
	return msg
}

func TestDeleteLatestRecomputesSummary(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.db, f.bus, nil, nil)

	f.send(t, "alice", "hi")
	t2 := f.send(t, "bob", "how are you")
	t3 := f.send(t, "alice", "bye")

	events, unsub := f.bus.Subscribe(bus.ChatPrefix(f.chat), 10)
	defer unsub()

	req.NoError(m.DeleteMessage(ctx, f.chat, t3.ID, "alice"))

	c, err := f.db.GetChat(ctx, f.chat)
	req.NoError(err)
	req.Equal("how are you", c.LastMessage)
	req.True(t2.CreatedAt.Equal(c.LastMessageAt))
	req.Equal("bob", c.LastMessageSenderID)

	evt := <-events
	req.Equal(bus.ChatPrefix(f.chat)+bus.ChangeDeleted, evt.Kind)
	req.Equal([]string{t3.ID}, evt.Payload.(bus.ChatChange).MessageIDs)
}

func TestDeleteMessageByNonSender(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.db, f.bus, nil, nil)
	msg := f.send(t, "alice", "keep me")

	err := m.DeleteMessage(ctx, f.chat, msg.ID, "bob")
	req.ErrorIs(err, chat.ErrPermission)

	got, err := f.db.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.NotNil(got)
}

func TestDeleteMessageNotFound(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.db, f.bus, nil, nil)
	msg := f.send(t, "alice", "elsewhere")

	req.ErrorIs(m.DeleteMessage(ctx, f.chat, "missing", "alice"), chat.ErrNotFound)
	req.ErrorIs(m.DeleteMessage(ctx, "alice_carol", msg.ID, "alice"), chat.ErrNotFound)
}

func TestDeleteMessagesAllOrNothing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.db, f.bus, nil, nil)
	m1 := f.send(t, "alice", "mine")
	m2 := f.send(t, "bob", "theirs")

	n, err := m.DeleteMessages(ctx, f.chat, []string{m1.ID, m2.ID}, "alice")
	req.ErrorIs(err, chat.ErrPermission)
	req.Zero(n)

	count, err := f.db.MessageCount(ctx, f.chat)
	req.NoError(err)
	req.EqualValues(2, count)
}

func TestDeleteMessagesSkipsMissing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.db, f.bus, nil, nil)
	m1 := f.send(t, "alice", "one")
	m2 := f.send(t, "alice", "two")

	n, err := m.DeleteMessages(ctx, f.chat, []string{m1.ID, "gone", m2.ID, m1.ID}, "alice")
	req.NoError(err)
	req.Equal(2, n)

	c, err := f.db.GetChat(ctx, f.chat)
	req.NoError(err)
	req.Empty(c.LastMessage)
	req.True(c.LastMessageAt.IsZero())

	_, err = m.DeleteMessages(ctx, f.chat, nil, "alice")
	req.ErrorIs(err, chat.ErrValidation)
}

func TestDeleteChat(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.db, f.bus, nil, nil)
	f.send(t, "alice", "hi")

	req.ErrorIs(m.DeleteChat(ctx, f.chat, "carol"), chat.ErrPermission)

	events, unsub := f.bus.Subscribe(bus.ChatPrefix(f.chat), 10)
	defer unsub()

	req.NoError(m.DeleteChat(ctx, f.chat, "bob"))
	req.Equal(bus.ChatPrefix(f.chat)+bus.ChangeChatDeleted, (<-events).Kind)

	c, err := f.db.GetChat(ctx, f.chat)
	req.NoError(err)
	req.Nil(c)
	count, err := f.db.MessageCount(ctx, f.chat)
	req.NoError(err)
	req.Zero(count)

	req.ErrorIs(m.DeleteChat(ctx, f.chat, "bob"), chat.ErrNotFound)
}

func TestDeleteUsesIdentity(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	msg := f.send(t, "alice", "hi")

	asBob := NewManager(f.db, f.bus, identity.Static("bob"), nil)
	req.ErrorIs(asBob.DeleteMessage(ctx, f.chat, msg.ID, "alice"), chat.ErrPermission)
	req.ErrorIs(asBob.DeleteMessage(ctx, f.chat, msg.ID, ""), chat.ErrPermission)

	nobody := NewManager(f.db, f.bus, identity.Static(""), nil)
	req.NoError(nobody.DeleteMessage(ctx, f.chat, msg.ID, "alice"))
	got, err := f.db.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.NotNil(got)

	asAlice := NewManager(f.db, f.bus, identity.Static("alice"), nil)
	req.NoError(asAlice.DeleteMessage(ctx, f.chat, msg.ID, ""))
}

func TestRecomputeChatSummary(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.db, f.bus, nil, nil)
	f.send(t, "alice", "latest")

	c, err := m.RecomputeChatSummary(ctx, f.chat)
	req.NoError(err)
	req.Equal("latest", c.LastMessage)

	_, err = m.RecomputeChatSummary(ctx, "alice_zed")
	req.ErrorIs(err, chat.ErrNotFound)
}

type forgetful struct{ forgotten []string }

func (f *forgetful) ForgetChat(chatID string) { f.forgotten = append(f.forgotten, chatID) }

func TestDeleteChatClearsLocalState(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	cache := &forgetful{}
	m := NewManager(f.db, f.bus, nil, nil, WithChatCache(cache))

	req.ErrorIs(m.DeleteChat(ctx, f.chat, "carol"), chat.ErrPermission)
	req.Empty(cache.forgotten)

	req.NoError(m.DeleteChat(ctx, f.chat, "alice"))
	req.Equal([]string{f.chat}, cache.forgotten)
}
