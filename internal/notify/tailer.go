package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/wpphook/internal/status"
	"github.com/matheus3301/wpphook/internal/store"
	"go.uber.org/zap"
)

const defaultRetryDelay = 5 * time.Second

// Tailer follows a backend's native change feed and notifies for every
// change. Feed failures degrade the daemon; explicit notification keeps
// working regardless.
type Tailer struct {
	backend  store.Backend
	notifier *Notifier
	machine  *status.Machine
	logger   *zap.Logger
	retry    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTailer(b store.Backend, n *Notifier, m *status.Machine, logger *zap.Logger) *Tailer {
	return &Tailer{
		backend:  b,
		notifier: n,
		machine:  m,
		logger:   logger,
		retry:    defaultRetryDelay,
	}
}

// Start begins tailing in the background.
func (t *Tailer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

// Stop stops tailing and waits for the loop to exit.
func (t *Tailer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tailer) run(ctx context.Context) {
	feed, ok := t.backend.(store.ChangeFeed)
	if !ok {
		t.degrade("backend has no change feed", store.ErrChangeFeedUnsupported)
		return
	}

	for {
		changes, err := feed.Watch(ctx)
		if errors.Is(err, store.ErrChangeFeedUnsupported) {
			t.degrade("change feed unsupported, relying on explicit notification", err)
			return
		}
		if err != nil {
			t.degrade("change feed error, retrying", err)
		} else {
			t.attached()
			t.consume(ctx, changes)
			if ctx.Err() != nil {
				return
			}
			t.degrade("change feed closed, retrying", nil)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.retry):
		}
	}
}

func (t *Tailer) consume(ctx context.Context, changes <-chan store.Change) {
	for c := range changes {
		if c.Record == nil {
			continue
		}
		t.notifier.Notify(ctx, []*store.Message{c.Record}, nil)
	}
}

func (t *Tailer) degrade(msg string, err error) {
	if err != nil {
		t.logger.Warn(msg, zap.Error(err))
	} else {
		t.logger.Warn(msg)
	}
	if t.machine == nil {
		return
	}
	if tErr := t.machine.TransitionWithReason(status.Degraded, msg); tErr != nil {
		t.logger.Debug("status transition skipped", zap.Error(tErr))
	}
}

func (t *Tailer) attached() {
	t.logger.Info("change feed attached")
	if t.machine == nil || t.machine.Current() != status.Degraded {
		return
	}
	if err := t.machine.Transition(status.Ready); err != nil {
		t.logger.Debug("status transition skipped", zap.Error(err))
	}
}
