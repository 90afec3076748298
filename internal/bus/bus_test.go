package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(ChatPrefix("a_b"), 10)
	defer unsub()

	b.Publish(ChatEvent("a_b", ChangeMessage, "m1"))

	select {
	case evt := <-ch:
		if evt.Kind != "chat.a_b.message" {
			t.Errorf("got kind %q, want chat.a_b.message", evt.Kind)
		}
		change, ok := evt.Payload.(ChatChange)
		if !ok || change.ChatID != "a_b" || len(change.MessageIDs) != 1 {
			t.Errorf("payload = %#v", evt.Payload)
		}
		if evt.ID == "" || evt.Timestamp.IsZero() {
			t.Error("event not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestChatPrefixDoesNotMatchLongerIDs(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(ChatPrefix("a_b"), 10)
	defer unsub()

	b.Publish(ChatEvent("a_bc", ChangeMessage))

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	b.Publish(NewEvent(KindSendFailed, nil))
	b.Publish(NewEvent(KindNetRestored, nil))

	select {
	case evt := <-ch:
		if evt.Kind != KindNetRestored {
			t.Errorf("got kind %q, want %s", evt.Kind, KindNetRestored)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	unsub()
	unsub()

	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}

	b.Publish(NewEvent(KindNetRestored, nil))

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Buffer is full, so this one is dropped.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
