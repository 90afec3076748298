package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testChat(t *testing.T, db *DB, a, b string) string {
	t.Helper()
	c, _, err := db.CreateChat(context.Background(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	return c.ID
}

func textDraft(sender, text string) chat.Draft {
	return chat.Draft{SenderID: sender, Type: chat.TypeText, Text: text, ClientSentAt: time.Now()}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + notifications)", result.Version)
	}
	if result.Dirty {
		t.Error("migration left the schema dirty")
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c = ?`
	if got := rebind(SQLite, q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	if got, want := rebind(Postgres, q), `SELECT a FROM t WHERE b = $1 AND c = $2`; got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestCreateChatIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c, created, err := db.CreateChat(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first CreateChat should report created")
	}
	if c.ID != "alice_bob" || c.Participants != [2]string{"alice", "bob"} {
		t.Errorf("chat = %+v", c)
	}
	if !c.LastMessageAt.IsZero() || c.LastMessage != "" {
		t.Errorf("new chat has a summary: %+v", c)
	}

	again, created, err := db.CreateChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second CreateChat should not report created")
	}
	if again.ID != c.ID {
		t.Errorf("id = %q, want %q", again.ID, c.ID)
	}
}

func TestCreateChatConcurrent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var (
		wg      gosync.WaitGroup
		mu      gosync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 0 {
				a, b = b, a
			}
			_, ok, err := db.CreateChat(ctx, a, b)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
	n, err := db.ChatCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("chat count = %d, want 1", n)
	}
}

func TestGetChatMissing(t *testing.T) {
	db := testDB(t)
	c, err := db.GetChat(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing chat, got %+v", c)
	}
}

func TestAppendMessageAssignsSeqAndSummary(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chatID := testChat(t, db, "alice", "bob")

	m1, created, err := db.AppendMessage(ctx, chatID, textDraft("alice", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || m1.Seq != 1 || m1.ID == "" {
		t.Errorf("first message = %+v, created = %v", m1, created)
	}
	m2, _, err := db.AppendMessage(ctx, chatID, chat.Draft{SenderID: "bob", Type: chat.TypeImage, ClientSentAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if m2.Seq != 2 {
		t.Errorf("second seq = %d, want 2", m2.Seq)
	}

	c, err := db.GetChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage != "[image]" || c.LastMessageSenderID != "bob" {
		t.Errorf("summary = %q by %q", c.LastMessage, c.LastMessageSenderID)
	}
	if !c.LastMessageAt.Equal(m2.CreatedAt) {
		t.Errorf("last message at = %v, want %v", c.LastMessageAt, m2.CreatedAt)
	}
}

func TestAppendMessageIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chatID := testChat(t, db, "alice", "bob")

	d := textDraft("alice", "once")
	d.IdempotencyKey = "k-1"
	first, created, err := db.AppendMessage(ctx, chatID, d)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first append should create")
	}
	second, created, err := db.AppendMessage(ctx, chatID, d)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("retried append should not create")
	}
	if second.ID != first.ID {
		t.Errorf("retried append id = %q, want %q", second.ID, first.ID)
	}
	n, err := db.MessageCount(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

func TestAppendMessageUnknownChat(t *testing.T) {
	db := testDB(t)
	_, _, err := db.AppendMessage(context.Background(), "nobody_there", textDraft("nobody", "hi"))
	if !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListMessagesOrderedWithSeenBy(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chatID := testChat(t, db, "alice", "bob")

	// A frozen clock forces identical timestamps so seq breaks the tie.
	at := time.UnixMilli(1700000000000)
	db.SetClock(func() time.Time { return at })

	for _, text := range []string{"a", "b", "c"} {
		if _, _, err := db.AppendMessage(ctx, chatID, textDraft("alice", text)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.MarkSeen(ctx, chatID, "bob"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].Text != want || msgs[i].Seq != int64(i+1) {
			t.Errorf("msgs[%d] = %q seq %d, want %q seq %d", i, msgs[i].Text, msgs[i].Seq, want, i+1)
		}
		if !msgs[i].SeenByUser("bob") {
			t.Errorf("msgs[%d] not seen by bob", i)
		}
	}
}

func TestMarkSeenSkipsOwnAndIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chatID := testChat(t, db, "alice", "bob")

	own, _, err := db.AppendMessage(ctx, chatID, textDraft("bob", "mine"))
	if err != nil {
		t.Fatal(err)
	}
	theirs, _, err := db.AppendMessage(ctx, chatID, textDraft("alice", "theirs"))
	if err != nil {
		t.Fatal(err)
	}

	n, err := db.MarkSeen(ctx, chatID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first MarkSeen added %d, want 1", n)
	}
	n, err = db.MarkSeen(ctx, chatID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second MarkSeen added %d, want 0", n)
	}

	got, err := db.GetMessage(ctx, own.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SeenBy) != 0 {
		t.Errorf("own message seen by %v", got.SeenBy)
	}
	got, err = db.GetMessage(ctx, theirs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SeenBy) != 1 || got.SeenBy[0] != "bob" {
		t.Errorf("seen by = %v, want [bob]", got.SeenBy)
	}
}

func TestListChatsForUnread(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	older := testChat(t, db, "alice", "bob")
	newer := testChat(t, db, "alice", "carol")
	testChat(t, db, "bob", "carol")

	clock := time.UnixMilli(1000)
	db.SetClock(func() time.Time { clock = clock.Add(time.Second); return clock })

	for i, d := range []struct{ chat, sender string }{
		{older, "bob"}, {older, "bob"}, {older, "alice"}, {newer, "carol"},
	} {
		if _, _, err := db.AppendMessage(ctx, d.chat, textDraft(d.sender, fmt.Sprint("msg ", i))); err != nil {
			t.Fatal(err)
		}
	}

	chats, err := db.ListChatsFor(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].ID != newer || chats[1].ID != older {
		t.Errorf("order = %s, %s", chats[0].ID, chats[1].ID)
	}
	if chats[0].UnreadCount != 1 || chats[1].UnreadCount != 2 {
		t.Errorf("unread = %d, %d; want 1, 2", chats[0].UnreadCount, chats[1].UnreadCount)
	}

	if _, err := db.MarkSeen(ctx, older, "alice"); err != nil {
		t.Fatal(err)
	}
	chats, err = db.ListChatsFor(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if chats[1].UnreadCount != 0 {
		t.Errorf("unread after MarkSeen = %d, want 0", chats[1].UnreadCount)
	}
}

func TestDeleteMessageRecomputesSummary(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chatID := testChat(t, db, "alice", "bob")

	first, _, err := db.AppendMessage(ctx, chatID, textDraft("alice", "first"))
	if err != nil {
		t.Fatal(err)
	}
	last, _, err := db.AppendMessage(ctx, chatID, textDraft("bob", "last"))
	if err != nil {
		t.Fatal(err)
	}

	err = db.InTx(ctx, func(tx *Tx) error {
		if err := tx.DeleteMessage(ctx, last.ID); err != nil {
			return err
		}
		return tx.RecomputeSummary(ctx, chatID)
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage != "first" || c.LastMessageSenderID != "alice" {
		t.Errorf("summary = %q by %q, want first by alice", c.LastMessage, c.LastMessageSenderID)
	}

	err = db.InTx(ctx, func(tx *Tx) error {
		if err := tx.DeleteMessage(ctx, first.ID); err != nil {
			return err
		}
		return tx.RecomputeSummary(ctx, chatID)
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err = db.GetChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage != "" || !c.LastMessageAt.IsZero() || c.LastMessageSenderID != "" {
		t.Errorf("summary not cleared: %+v", c)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chatID := testChat(t, db, "alice", "bob")

	if _, _, err := db.AppendMessage(ctx, chatID, textDraft("alice", "bye")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkSeen(ctx, chatID, "bob"); err != nil {
		t.Fatal(err)
	}

	removed, err := db.DeleteChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("DeleteChat reported nothing removed")
	}
	n, err := db.MessageCount(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("message count after delete = %d", n)
	}
	var seen int
	if err := db.QueryRow(`SELECT COUNT(*) FROM message_seen`).Scan(&seen); err != nil {
		t.Fatal(err)
	}
	if seen != 0 {
		t.Errorf("seen rows after delete = %d", seen)
	}

	removed, err = db.DeleteChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("second DeleteChat reported a removal")
	}
}

func TestInTxRollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chatID := testChat(t, db, "alice", "bob")
	m, _, err := db.AppendMessage(ctx, chatID, textDraft("alice", "keep"))
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = db.InTx(ctx, func(tx *Tx) error {
		if err := tx.DeleteMessage(ctx, m.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, err := db.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("message deleted despite rollback")
	}
}

func TestNotifications(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, chatID := range []string{"a_b", "a_b", "a_c"} {
		_, err := db.CreateNotification(ctx, Notification{
			UserID: "a", Kind: "message", Title: "New message", Message: "hi",
			Data: map[string]string{"chatId": chatID}, ChatID: chatID,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.MarkChatNotificationsRead(ctx, "a", "a_b")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked %d read, want 2", n)
	}

	unread, err := db.ListNotifications(ctx, "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].ChatID != "a_c" {
		t.Fatalf("unread = %+v", unread)
	}
	if unread[0].Data["chatId"] != "a_c" {
		t.Errorf("data = %v", unread[0].Data)
	}
	all, err := db.ListNotifications(ctx, "a", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d notifications, want 3", len(all))
	}
}

func TestProfileUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p, err := db.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("expected nil profile, got %+v", p)
	}

	if err := db.UpsertProfile(ctx, Profile{UserID: "u1", DisplayName: "Ana", AvatarURL: "https://x/a.png"}); err != nil {
		t.Fatal(err)
	}
	// Empty fields do not clobber stored values.
	if err := db.UpsertProfile(ctx, Profile{UserID: "u1", DisplayName: "Ana B"}); err != nil {
		t.Fatal(err)
	}
	p, err = db.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Ana B" || p.AvatarURL != "https://x/a.png" {
		t.Errorf("profile = %+v", p)
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("CHATSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATSYNC_TEST_POSTGRES_DSN not set")
	}
	db, err := Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, b := "pg-"+time.Now().Format("150405.000000"), "pg-peer"
	c, _, err := db.CreateChat(ctx, a, b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _, _ = db.DeleteChat(context.Background(), c.ID) })

	m, created, err := db.AppendMessage(ctx, c.ID, textDraft(a, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || m.Seq != 1 {
		t.Errorf("append = %+v created %v", m, created)
	}
	n, err := db.MarkSeen(ctx, c.ID, b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("MarkSeen added %d, want 1", n)
	}
}
