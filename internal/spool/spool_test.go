package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wpphook/internal/ingest"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	mu       sync.Mutex
	payloads []string
	fail     string
}

func (f *fakeProcessor) Process(_ context.Context, payload []byte) (*ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(payload))
	if f.fail != "" && strings.Contains(string(payload), f.fail) {
		return nil, errors.New("store down")
	}
	return &ingest.Result{Applied: 1}, nil
}

func (f *fakeProcessor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestScanOnceProcessesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.json"), `{"n":"b"}`)
	writeFile(t, filepath.Join(dir, "a.json"), `{"n":"a"}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `ignored`)
	for _, d := range []string{"done", "failed"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0700); err != nil {
			t.Fatal(err)
		}
	}

	proc := &fakeProcessor{}
	s := New(dir, proc, zap.NewNop())
	n, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
	got := proc.seen()
	if len(got) != 2 || got[0] != `{"n":"a"}` || got[1] != `{"n":"b"}` {
		t.Errorf("order = %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "done", "a.json")); err != nil {
		t.Errorf("a.json not moved to done: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("non-payload file touched: %v", err)
	}
}

func TestFailedFileIsMovedAside(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.json"), `{"fail":true}`)

	proc := &fakeProcessor{fail: "fail"}
	s := New(dir, proc, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, err := os.Stat(filepath.Join(dir, "failed", "bad.json")); err != nil {
		t.Errorf("bad.json not moved to failed: %v", err)
	}
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{}
	s := New(dir, proc, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	tmp := filepath.Join(dir, "incoming.tmp")
	writeFile(t, tmp, `{"n":"live"}`)
	if err := os.Rename(tmp, filepath.Join(dir, "live.json")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "done", "live.json")); err == nil {
			if got := proc.seen(); len(got) != 1 || got[0] != `{"n":"live"}` {
				t.Errorf("payloads = %v", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("live.json was not processed")
}
