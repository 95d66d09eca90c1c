package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("session.", 10)
	defer sub.Cancel()

	b.Publish(Event{Kind: KindSessionStateChanged, At: time.Now(), Payload: "test"})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindSessionStateChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindSessionStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("live.", 10)
	defer sub.Cancel()

	b.Publish(Event{Kind: KindSessionStateChanged})
	b.Publish(Event{Kind: KindLiveStateChanged})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindLiveStateChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindLiveStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the session event was not delivered.
	select {
	case evt := <-sub.C:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("", 10)
	defer sub.Cancel()

	b.Publish(Event{Kind: KindTimelineChanged})
	b.Publish(Event{Kind: KindLiveStateChanged})

	for _, want := range []string{KindTimelineChanged, KindLiveStateChanged} {
		select {
		case evt := <-sub.C:
			if evt.Kind != want {
				t.Errorf("got kind %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestCancel(t *testing.T) {
	b := New()
	sub := b.Subscribe("session.", 10)
	sub.Cancel()
	sub.Cancel() // idempotent

	b.Publish(Event{Kind: KindSessionStateChanged})

	select {
	case evt := <-sub.C:
		t.Errorf("received event after cancel: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe("test.", 1)
	defer sub.Cancel()

	b.Publish(Event{Kind: "test.one"})
	// Buffer is full, this one is dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-sub.C
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
