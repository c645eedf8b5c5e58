// Package spool ingests webhook payloads dropped as *.json files into a directory.
//
// Files present at startup are processed in name order, then new files are
// picked up as they appear. Writers should create the file under another
// name and rename it to *.json once complete. Processed files are moved to
// done/, files that failed to apply to failed/.
package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matheus3301/wpphook/internal/ingest"
	"go.uber.org/zap"
)

const settleDelay = 200 * time.Millisecond

// Processor applies one payload.
type Processor interface {
	Process(ctx context.Context, payload []byte) (*ingest.Result, error)
}

// Spool watches a directory for payload files.
type Spool struct {
	dir    string
	proc   Processor
	logger *zap.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(dir string, proc Processor, logger *zap.Logger) *Spool {
	return &Spool{
		dir:    dir,
		proc:   proc,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

func (s *Spool) doneDir() string   { return filepath.Join(s.dir, "done") }
func (s *Spool) failedDir() string { return filepath.Join(s.dir, "failed") }

// Start processes the files already present and begins watching.
func (s *Spool) Start(ctx context.Context) error {
	for _, d := range []string{s.dir, s.doneDir(), s.failedDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create spool dir: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = w

	ctx, s.cancel = context.WithCancel(ctx)
	ready := make(chan string, 64)

	// Scan after the watch is in place so no file falls in between.
	if _, err := s.ScanOnce(ctx); err != nil {
		s.logger.Warn("initial spool scan failed", zap.Error(err))
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.watch(ctx, ready)
	}()
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-ready:
				if err := s.ProcessFile(ctx, path); err != nil && !os.IsNotExist(err) {
					s.logger.Warn("spool file failed", zap.String("file", path), zap.Error(err))
				}
			}
		}
	}()

	s.logger.Info("spool started", zap.String("dir", s.dir))
	return nil
}

// Stop stops watching and waits for the file being processed.
func (s *Spool) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ScanOnce processes every *.json file currently in the directory, in name
// order, and returns how many were processed successfully.
func (s *Spool) ScanOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isPayload(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := s.ProcessFile(ctx, filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("spool file failed", zap.String("file", name), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// ProcessFile applies one payload file and moves it out of the spool.
func (s *Spool) ProcessFile(ctx context.Context, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	res, procErr := s.proc.Process(ctx, payload)

	dest := s.doneDir()
	if procErr != nil {
		dest = s.failedDir()
	}
	if err := os.Rename(path, filepath.Join(dest, filepath.Base(path))); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(path), err)
	}
	if procErr != nil {
		return procErr
	}
	s.logger.Info("spool file processed",
		zap.String("file", filepath.Base(path)),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
	)
	return nil
}

func (s *Spool) watch(ctx context.Context, ready chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) != filepath.Clean(s.dir) || !isPayload(ev.Name) {
				continue
			}
			s.settle(ctx, ev.Name, ready)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

// settle queues path once it has seen no events for settleDelay.
func (s *Spool) settle(ctx context.Context, path string, ready chan<- string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[path]; ok {
		t.Reset(settleDelay)
		return
	}
	s.timers[path] = time.AfterFunc(settleDelay, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func isPayload(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}
