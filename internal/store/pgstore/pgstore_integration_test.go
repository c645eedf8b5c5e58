package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wpphook/internal/store"
)

func postgresIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("WPPHOOK_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set WPPHOOK_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE status_events, messages RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ts(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestPostgresIntegrationMigrateIsIdempotent(t *testing.T) {
	s := postgresIntegrationStore(t)

	result, err := s.Migrate()
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.Changed || result.Version != 2 {
		t.Fatalf("result = %+v, want unchanged at version 2", result)
	}
}

func TestPostgresIntegrationMergeAndHistory(t *testing.T) {
	s := postgresIntegrationStore(t)
	ctx := context.Background()

	status := &store.StatusUpsert{
		MsgID:        "wamid.x",
		BusinessLine: "15550001111",
		Event: store.StatusEvent{
			Status:      store.StatusDelivered,
			Timestamp:   ts(2000),
			RecipientID: "911234",
			Raw:         json.RawMessage(`{"id":"wamid.x","status":"delivered"}`),
		},
	}
	for i := 0; i < 2; i++ {
		if _, err := s.ApplyStatus(ctx, status); err != nil {
			t.Fatalf("apply status: %v", err)
		}
	}

	rec, err := s.ApplyMessage(ctx, &store.MessageUpsert{
		MsgID: "wamid.x", ConversationID: "911234", Direction: store.Outbound,
		Type: "text", From: "15550001111", To: "911234", Body: "hello", OccurredAt: ts(1990),
	})
	if err != nil {
		t.Fatalf("apply message: %v", err)
	}
	if rec.Body != "hello" || rec.CurrentStatus != store.StatusDelivered {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.StatusHistory) != 1 {
		t.Fatalf("history len = %d, want 1", len(rec.StatusHistory))
	}
	if rec.OccurredAt == nil || !rec.OccurredAt.Equal(*ts(1990)) {
		t.Fatalf("occurred_at = %v", rec.OccurredAt)
	}

	if _, err := s.GetMessage(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing: err = %v, want ErrNotFound", err)
	}
}

func TestPostgresIntegrationNullTimestampsSortFirst(t *testing.T) {
	s := postgresIntegrationStore(t)
	ctx := context.Background()

	if _, err := s.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "dated", ConversationID: "911234", Direction: store.Inbound, OccurredAt: ts(100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "undated", ConversationID: "911234", Direction: store.Inbound}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListRecords(ctx, "911234")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].MsgID != "undated" {
		t.Fatalf("records = %+v, want undated first", recs)
	}
}

func TestPostgresIntegrationWatch(t *testing.T) {
	s := postgresIntegrationStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := s.ApplyMessage(ctx, &store.MessageUpsert{MsgID: "live", ConversationID: "911234", Direction: store.Inbound, Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-ch:
		if c.MsgID != "live" || c.Record == nil || c.Record.Body != "hi" {
			t.Fatalf("change = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
}
