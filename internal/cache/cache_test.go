package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/summary"
)

func setupCache(t *testing.T, ttl time.Duration) (*SummaryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Options{Addr: mr.Addr(), TTL: ttl})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetGet(t *testing.T) {
	c, _ := setupCache(t, time.Minute)
	ctx := context.Background()

	ts := time.Unix(1754400000, 0).UTC()
	in := &summary.Summary{ConversationID: "911", LastMessageID: "m1", LastMessage: "hi", LastDirection: store.Inbound, LastTimestamp: &ts, ContactName: "Ravi"}
	if err := c.Set(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Get(ctx, "911")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.LastMessageID != "m1" || got.ContactName != "Ravi" || !got.LastTimestamp.Equal(ts) {
		t.Errorf("got %+v", got)
	}
}

func TestMiss(t *testing.T) {
	c, _ := setupCache(t, time.Minute)
	_, ok, err := c.Get(context.Background(), "nobody")
	if err != nil || ok {
		t.Errorf("Get() = %v, %v; want miss", ok, err)
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := setupCache(t, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, &summary.Summary{ConversationID: "911"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(ctx, "911"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "911"); ok {
		t.Error("entry survived Invalidate")
	}
}

func TestTTLExpires(t *testing.T) {
	c, mr := setupCache(t, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, &summary.Summary{ConversationID: "911"}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "911"); ok {
		t.Error("entry survived its TTL")
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c, mr := setupCache(t, time.Minute)
	if err := mr.Set(keyPrefix+"911", "not json"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := c.Get(context.Background(), "911")
	if err != nil || ok {
		t.Errorf("Get() = %v, %v; want miss", ok, err)
	}
}
