package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/wpphook/internal/bus"
	"go.uber.org/zap"
)

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f received
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return f
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHelloAndBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop(), Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	for _, c := range []*websocket.Conn{a, b} {
		if f := read(t, c); f.Event != EventHello {
			t.Fatalf("first frame = %s, want hello", f.Event)
		}
	}
	waitFor(t, func() bool { return len(hub.Clients()) == 2 })

	if err := hub.Deliver(context.Background(), bus.Event{Kind: bus.KindRecordChanged, Payload: map[string]string{"msgId": "m1"}}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		f := read(t, c)
		if f.Event != EventMessageChanged || !strings.Contains(string(f.Data), "m1") {
			t.Errorf("frame = %s %s", f.Event, f.Data)
		}
	}

	if err := hub.Deliver(context.Background(), bus.Event{Kind: bus.KindSummaryChanged, Payload: map[string]string{"waId": "911"}}); err != nil {
		t.Fatal(err)
	}
	if f := read(t, a); f.Event != EventChatSummary {
		t.Errorf("frame = %s, want chat_summary", f.Event)
	}
}

func TestTestEventIsEchoed(t *testing.T) {
	hub := NewHub(zap.NewNop(), Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	hello := read(t, conn)

	write(t, conn, map[string]any{"event": EventTest, "data": "ping"})
	f := read(t, conn)
	if f.Event != EventTestResponse {
		t.Fatalf("frame = %s, want test_response", f.Event)
	}
	var helloData, data map[string]string
	_ = json.Unmarshal(hello.Data, &helloData)
	_ = json.Unmarshal(f.Data, &data)
	if data["clientId"] == "" || data["clientId"] != helloData["clientId"] {
		t.Errorf("clientId = %q, hello clientId = %q", data["clientId"], helloData["clientId"])
	}
}

func TestPendingSetPerConnection(t *testing.T) {
	hub := NewHub(zap.NewNop(), Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	read(t, conn)

	write(t, conn, map[string]any{"event": EventPending, "data": "local-1"})
	write(t, conn, map[string]any{"event": EventPending, "data": "local-2"})
	write(t, conn, "garbage")
	write(t, conn, map[string]any{"event": EventReceived, "data": "local-1"})

	waitFor(t, func() bool {
		clients := hub.Clients()
		return len(clients) == 1 && clients[0].Pending == 1
	})

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return len(hub.Clients()) == 0 })
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub(zap.NewNop(), Options{SendBuffer: 1})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return len(hub.Clients()) == 1 })
	_ = conn // never read: the queue fills up

	for i := 0; i < 1000 && len(hub.Clients()) > 0; i++ {
		hub.Broadcast(Frame{Event: EventMessageChanged, Data: strings.Repeat("x", 128*1024)})
	}
	waitFor(t, func() bool { return len(hub.Clients()) == 0 })
}

func TestDeliverRejectsUnknownKind(t *testing.T) {
	hub := NewHub(zap.NewNop(), Options{})
	if err := hub.Deliver(context.Background(), bus.Event{Kind: bus.KindStatusChanged}); err == nil {
		t.Error("Deliver() expected error for status event")
	}
}
