package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, filepath.Join(t.TempDir(), "none.sock"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{":3000", "http://127.0.0.1:3000"},
		{"0.0.0.0:8080", "http://0.0.0.0:8080"},
		{"https://hooks.example.com", "https://hooks.example.com"},
	}
	for _, tt := range tests {
		if got := BaseURL(tt.in); got != tt.want {
			t.Errorf("BaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessagesEscapesAndLimits(t *testing.T) {
	var gotPath, gotQuery string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `[{"msgId":"a","direction":"inbound","currentStatus":"received","statusHistory":[]}]`)
	}))

	msgs, err := c.Messages(context.Background(), "911234", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "a" {
		t.Errorf("messages = %+v", msgs)
	}
	if gotPath != "/api/chats/911234/messages" || gotQuery != "limit=5" {
		t.Errorf("request = %s?%s", gotPath, gotQuery)
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["waId"] == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"waId_and_text_required"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"msgId":"local-1","waId":"`+body["waId"]+`","textBody":"`+body["text"]+`"}`)
	}))

	_, err := c.Send(context.Background(), "", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "waId_and_text_required" {
		t.Fatalf("err = %v, want 400 waId_and_text_required", err)
	}

	m, err := c.Send(context.Background(), "911234", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if m.MsgID != "local-1" || m.ConversationID != "911234" || m.Body != "hi" {
		t.Errorf("message = %+v", m)
	}
}

func TestLoadDirPostsSortedJSONFiles(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhook" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, string(b))
		mu.Unlock()
		if string(b) == `{"bad":true}` {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"processing_failed"}`)
			return
		}
		_, _ = io.WriteString(w, "OK")
	}))

	dir := t.TempDir()
	for name, content := range map[string]string{
		"02_status.json":  `{"n":2}`,
		"01_message.json": `{"n":1}`,
		"03_bad.json":     `{"bad":true}`,
		"README.md":       `skip`,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}

	results, err := c.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v, want 3", results)
	}
	if results[0].File != "01_message.json" || !results[0].OK {
		t.Errorf("first = %+v", results[0])
	}
	if results[2].OK || results[2].Error == "" {
		t.Errorf("bad file should fail: %+v", results[2])
	}
	if len(seen) != 3 || seen[0] != `{"n":1}` || seen[1] != `{"n":2}` {
		t.Errorf("posted = %v", seen)
	}
}
