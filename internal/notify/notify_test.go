package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wpphook/internal/bus"
	"github.com/matheus3301/wpphook/internal/status"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/summary"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func next(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return bus.Event{}
}

func TestNotifyPublishesRecordThenSummary(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	b := bus.New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	n := New(b, summary.NewService(db, nil, zap.NewNop()), zap.NewNop())

	rec, err := db.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "m1", ConversationID: "911", Direction: store.Inbound, ContactName: "Ravi", Body: "hi", OccurredAt: at(100)})
	if err != nil {
		t.Fatal(err)
	}
	n.Notify(ctx, []*store.Message{rec}, []string{"911"})

	evt := next(t, ch)
	if evt.Kind != bus.KindRecordChanged || evt.Payload.(*store.Message).MsgID != "m1" {
		t.Errorf("first event = %+v, want record.changed m1", evt)
	}
	evt = next(t, ch)
	if evt.Kind != bus.KindSummaryChanged {
		t.Fatalf("second event kind = %s, want summary.changed", evt.Kind)
	}
	s := evt.Payload.(*summary.Summary)
	if s.ConversationID != "911" || s.ContactName != "Ravi" {
		t.Errorf("summary = %+v", s)
	}
}

func TestNotifySkipsEmptyConversations(t *testing.T) {
	db := testStore(t)
	b := bus.New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	n := New(b, summary.NewService(db, nil, zap.NewNop()), zap.NewNop())
	// A status for an unseen message leaves a placeholder without conversation.
	rec, err := db.ApplyStatus(context.Background(), &store.StatusUpsert{MsgID: "x", Event: store.StatusEvent{Status: "sent", RecipientID: "922"}})
	if err != nil {
		t.Fatal(err)
	}
	n.Notify(context.Background(), []*store.Message{rec}, []string{"922"})

	if evt := next(t, ch); evt.Kind != bus.KindRecordChanged {
		t.Errorf("kind = %s, want record.changed", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for empty conversation: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTailerPropagatesFeedChanges(t *testing.T) {
	db := testStore(t)
	b := bus.New()
	ch, unsub := b.Subscribe("record.", 10)
	defer unsub()

	machine := status.NewMachine(nil)
	_ = machine.Transition(status.Ready)

	tailer := NewTailer(db, New(b, summary.NewService(db, nil, zap.NewNop()), zap.NewNop()), machine, zap.NewNop())
	tailer.Start(context.Background())
	defer tailer.Stop()

	// Give the tailer time to attach before writing.
	time.Sleep(100 * time.Millisecond)
	if _, err := db.ApplyMessage(context.Background(), &store.MessageUpsert{MsgID: "ext", ConversationID: "911", Direction: store.Inbound, OccurredAt: at(100)}); err != nil {
		t.Fatal(err)
	}

	evt := next(t, ch)
	if evt.Payload.(*store.Message).MsgID != "ext" {
		t.Errorf("payload = %+v, want ext", evt.Payload)
	}
	if machine.Current() != status.Ready {
		t.Errorf("state = %s, want READY", machine.Current())
	}
}

type noFeed struct {
	store.Backend
}

func TestTailerDegradesWithoutFeed(t *testing.T) {
	db := testStore(t)
	machine := status.NewMachine(nil)
	_ = machine.Transition(status.Ready)

	n := New(bus.New(), summary.NewService(db, nil, zap.NewNop()), zap.NewNop())
	tailer := NewTailer(noFeed{db}, n, machine, zap.NewNop())
	tailer.Start(context.Background())
	tailer.Stop()

	if machine.Current() != status.Degraded {
		t.Errorf("state = %s, want DEGRADED", machine.Current())
	}
	if !machine.Serving() {
		t.Error("degraded daemon must keep serving")
	}
}

type recordingSink struct {
	mu   sync.Mutex
	got  []string
	done chan struct{}
	want int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, evt bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, evt.Kind)
	if len(s.got) == s.want {
		close(s.done)
	}
	return nil
}

func TestFanoutForwardsDeltasOnly(t *testing.T) {
	b := bus.New()
	sink := &recordingSink{done: make(chan struct{}), want: 2}
	f := NewFanout(b, zap.NewNop(), sink)
	f.Start(context.Background())

	b.Publish(bus.Event{Kind: bus.KindStatusChanged})
	b.Publish(bus.Event{Kind: bus.KindRecordChanged})
	b.Publish(bus.Event{Kind: bus.KindSummaryChanged})

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sink")
	}
	f.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 2 || sink.got[0] != bus.KindRecordChanged || sink.got[1] != bus.KindSummaryChanged {
		t.Errorf("delivered = %v", sink.got)
	}
}
