package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("record.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRecordChanged, Timestamp: time.Now(), Payload: "wamid.1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindRecordChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindRecordChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("summary.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRecordChanged})
	b.Publish(Event{Kind: KindSummaryChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindSummaryChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSummaryChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the record event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyNamespaceMatchesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRecordChanged})
	b.Publish(Event{Kind: KindStatusChanged})

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("record.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindRecordChanged})

	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("received event after unsubscribe: %v", evt)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("record.", 1)
	defer unsub()

	b.Publish(Event{Kind: "record.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "record.two"})

	evt := <-ch
	if evt.Kind != "record.one" {
		t.Errorf("got %q, want record.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
