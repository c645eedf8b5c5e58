package summary

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/wpphook/internal/store"
	"go.uber.org/zap"
)

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestSummarizeTakesLastRecord(t *testing.T) {
	base := time.Unix(0, 0)
	records := []store.Message{
		{MsgID: "m2", ConversationID: "911", Body: "second", Direction: store.Outbound, CurrentStatus: "read", OccurredAt: at(200), CreatedAt: base},
		{MsgID: "m1", ConversationID: "911", Body: "first", Direction: store.Inbound, CurrentStatus: "received", ContactName: "Ravi", OccurredAt: at(100), CreatedAt: base},
		{MsgID: "x", ConversationID: "", Body: "placeholder"},
	}

	got := Summarize(records)
	if len(got) != 1 {
		t.Fatalf("summaries = %d, want 1", len(got))
	}
	s := got[0]
	if s.LastMessageID != "m2" || s.LastMessage != "second" || s.LastStatus != "read" || s.LastDirection != store.Outbound {
		t.Errorf("summary = %+v, want fields of m2", s)
	}
	if s.ContactName != "Ravi" {
		t.Errorf("contact = %q, want last non-empty name Ravi", s.ContactName)
	}
	if s.LastTimestamp.Unix() != 200 {
		t.Errorf("last timestamp = %v", s.LastTimestamp)
	}
}

func TestSummarizeNullTimestampsFirst(t *testing.T) {
	records := []store.Message{
		{MsgID: "dated", ConversationID: "911", OccurredAt: at(100)},
		{MsgID: "undated", ConversationID: "911", CreatedAt: time.Unix(500, 0)},
	}
	got := Summarize(records)
	if got[0].LastMessageID != "dated" {
		t.Errorf("last = %q, want dated (null timestamps sort first)", got[0].LastMessageID)
	}
}

func TestSummarizeCreatedAtBreaksTies(t *testing.T) {
	records := []store.Message{
		{MsgID: "later", ConversationID: "911", OccurredAt: at(100), CreatedAt: time.Unix(20, 0)},
		{MsgID: "earlier", ConversationID: "911", OccurredAt: at(100), CreatedAt: time.Unix(10, 0)},
	}
	if got := Summarize(records); got[0].LastMessageID != "later" {
		t.Errorf("last = %q, want later", got[0].LastMessageID)
	}
}

func TestSort(t *testing.T) {
	summaries := []Summary{
		{ConversationID: "old", LastTimestamp: at(100)},
		{ConversationID: "none"},
		{ConversationID: "new", LastTimestamp: at(300)},
		{ConversationID: "mid", LastTimestamp: at(200)},
	}
	Sort(summaries)
	want := []string{"new", "mid", "old", "none"}
	for i, w := range want {
		if summaries[i].ConversationID != w {
			t.Fatalf("order[%d] = %s, want %s", i, summaries[i].ConversationID, w)
		}
	}
}

type memCache struct {
	entries map[string]Summary
	sets    int
}

func (c *memCache) Get(_ context.Context, id string) (*Summary, bool, error) {
	s, ok := c.entries[id]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (c *memCache) Set(_ context.Context, s *Summary) error {
	c.entries[s.ConversationID] = *s
	c.sets++
	return nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	delete(c.entries, id)
	return nil
}

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

func TestServiceNameIsPreserved(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	svc := NewService(db, nil, zap.NewNop())

	if _, err := db.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "m1", ConversationID: "911", Direction: store.Inbound, ContactName: "Ravi", Body: "hi", OccurredAt: at(100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "m2", ConversationID: "911", Direction: store.Outbound, Body: "hello", OccurredAt: at(200)}); err != nil {
		t.Fatal(err)
	}

	s, err := svc.ForConversation(ctx, "911")
	if err != nil {
		t.Fatal(err)
	}
	if s.ContactName != "Ravi" || s.LastMessageID != "m2" {
		t.Errorf("summary = %+v", s)
	}
}

func TestServiceNotFound(t *testing.T) {
	svc := NewService(testStore(t), nil, zap.NewNop())
	_, err := svc.ForConversation(context.Background(), "nobody")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceUsesCache(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	cache := &memCache{entries: map[string]Summary{}}
	svc := NewService(db, cache, zap.NewNop())

	if _, err := db.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "m1", ConversationID: "911", Direction: store.Inbound, Body: "hi", OccurredAt: at(100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ForConversation(ctx, "911"); err != nil {
		t.Fatal(err)
	}
	if cache.sets != 1 {
		t.Fatalf("cache sets = %d, want 1", cache.sets)
	}

	// A later write is invisible until Refresh.
	if _, err := db.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "m2", ConversationID: "911", Direction: store.Inbound, Body: "again", OccurredAt: at(200)}); err != nil {
		t.Fatal(err)
	}
	s, _ := svc.ForConversation(ctx, "911")
	if s.LastMessageID != "m1" {
		t.Errorf("cached last = %q, want m1", s.LastMessageID)
	}
	if _, err := svc.Refresh(ctx, "911"); err != nil {
		t.Fatal(err)
	}
	s, _ = svc.ForConversation(ctx, "911")
	if s.LastMessageID != "m2" {
		t.Errorf("refreshed last = %q, want m2", s.LastMessageID)
	}
}

func TestServiceAll(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	svc := NewService(db, nil, zap.NewNop())

	for _, u := range []*store.MessageUpsert{
		{MsgID: "a1", ConversationID: "A", Direction: store.Inbound, OccurredAt: at(100)},
		{MsgID: "b1", ConversationID: "B", Direction: store.Inbound, OccurredAt: at(300)},
		{MsgID: "a2", ConversationID: "A", Direction: store.Inbound, OccurredAt: at(200)},
	} {
		if _, err := db.ApplyMessage(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	all, err := svc.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ConversationID != "B" || all[1].LastMessageID != "a2" {
		t.Errorf("all = %+v", all)
	}
}
