package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/mocks"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seed(t *testing.T, db *store.DB, sender string, texts ...string) string {
	t.Helper()
	ctx := context.Background()
	c, _, err := db.CreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, text := range texts {
		_, _, err := db.AppendMessage(ctx, c.ID, chat.Draft{SenderID: sender, Type: chat.TypeText, Text: text})
		require.NoError(t, err)
	}
	return c.ID
}

func TestMarkSeenIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db := testDB(t)
	b := bus.New()
	tr := NewTracker(db, b, nil, nil, nil)
	id := seed(t, db, "alice", "one", "two")

	events, unsub := b.Subscribe(bus.ChatPrefix(id), 10)
	defer unsub()

	n, err := tr.MarkSeen(ctx, id, "bob")
	req.NoError(err)
	req.Equal(2, n)

	n, err = tr.MarkSeen(ctx, id, "bob")
	req.NoError(err)
	req.Zero(n)

	req.Len(events, 1)
	evt := <-events
	req.Equal(bus.ChatPrefix(id)+bus.ChangeSeen, evt.Kind)

	msgs, err := db.ListMessages(ctx, id)
	req.NoError(err)
	for _, m := range msgs {
		req.Equal([]string{"bob"}, m.SeenBy)
	}
}

func TestMarkSeenSkipsOwnMessages(t *testing.T) {
	req := require.New(t)
	db := testDB(t)
	tr := NewTracker(db, bus.New(), nil, nil, nil)
	id := seed(t, db, "alice", "mine")

	n, err := tr.MarkSeen(context.Background(), id, "alice")
	req.NoError(err)
	req.Zero(n)
}

func TestMarkSeenAuthorization(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db := testDB(t)
	id := seed(t, db, "alice", "hi")

	tr := NewTracker(db, bus.New(), identity.Static("bob"), nil, nil)
	_, err := tr.MarkSeen(ctx, id, "alice")
	req.ErrorIs(err, chat.ErrPermission)

	n, err := tr.MarkSeen(ctx, id, "")
	req.NoError(err)
	req.Equal(1, n)

	outsider := NewTracker(db, bus.New(), identity.Static("carol"), nil, nil)
	_, err = outsider.MarkSeen(ctx, id, "carol")
	req.ErrorIs(err, chat.ErrPermission)

	_, err = tr.MarkSeen(ctx, "bob_zed", "bob")
	req.ErrorIs(err, chat.ErrNotFound)

	anonymous := NewTracker(db, bus.New(), identity.Static(""), nil, nil)
	n, err = anonymous.MarkSeen(ctx, id, "bob")
	req.NoError(err)
	req.Zero(n)
}

func TestMarkSeenMarksNotificationsRead(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	db := testDB(t)
	id := seed(t, db, "alice", "hi")

	d := notify.NewDispatcher(notifier, nil, nil, time.Second, nil)
	tr := NewTracker(db, bus.New(), nil, d, nil)

	notifier.EXPECT().MarkChatRead(gomock.Any(), "bob", id).Return(nil).Times(2)

	_, err := tr.MarkSeen(context.Background(), id, "bob")
	req.NoError(err)
	_, err = tr.MarkSeen(context.Background(), id, "bob")
	req.NoError(err)
	d.Wait()
}

func TestComputeStatus(t *testing.T) {
	req := require.New(t)

	sent := chat.Message{ID: "m1", SenderID: "alice"}
	req.Equal(chat.StatusSent, ComputeStatus(sent, "alice", "bob"))

	seen := chat.Message{ID: "m1", SenderID: "alice", SeenBy: []string{"bob"}}
	req.Equal(chat.StatusSeen, ComputeStatus(seen, "alice", "bob"))

	pending := chat.Message{ID: chat.NewPendingID(), SenderID: "alice", SeenBy: []string{"bob"}}
	req.Equal(chat.StatusPending, ComputeStatus(pending, "alice", "bob"))

	req.Empty(ComputeStatus(sent, "bob", "alice"))
}

func TestComputeEntryStatus(t *testing.T) {
	req := require.New(t)

	failed := chat.TimelineEntry{Message: chat.Message{ID: chat.NewPendingID(), SenderID: "alice"}, Failed: true}
	req.Equal(chat.StatusFailed, ComputeEntryStatus(failed, "alice", "bob"))

	queued := chat.TimelineEntry{Message: chat.Message{ID: chat.NewPendingID(), SenderID: "alice"}, Pending: true}
	req.Equal(chat.StatusPending, ComputeEntryStatus(queued, "alice", "bob"))

	confirmed := chat.TimelineEntry{Message: chat.Message{ID: "m1", SenderID: "alice", SeenBy: []string{"bob"}}}
	req.Equal(chat.StatusSeen, ComputeEntryStatus(confirmed, "alice", "bob"))

	req.Empty(ComputeEntryStatus(failed, "bob", "alice"))
}

func TestStatusFollowsReader(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db := testDB(t)
	tr := NewTracker(db, bus.New(), nil, nil, nil)
	id := seed(t, db, "alice", "hello")

	msgs, err := db.ListMessages(ctx, id)
	req.NoError(err)
	req.Equal(chat.StatusSent, ComputeStatus(msgs[0], "alice", "bob"))

	_, err = tr.MarkSeen(ctx, id, "bob")
	req.NoError(err)

	msgs, err = db.ListMessages(ctx, id)
	req.NoError(err)
	req.Equal(chat.StatusSeen, ComputeStatus(msgs[0], "alice", "bob"))
}
