package notify

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wpphook/internal/bus"
	"go.uber.org/zap"
)

const (
	sinkBuffer     = 256
	deliverTimeout = 5 * time.Second
)

// Sink receives record.changed and summary.changed events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt bus.Event) error
}

// Fanout forwards bus events to sinks. Each sink has its own subscription
// and goroutine, so a slow sink loses its own events without stalling the
// others or the writers.
type Fanout struct {
	bus    *bus.Bus
	sinks  []Sink
	logger *zap.Logger

	unsubs []func()
	wg     sync.WaitGroup
}

func NewFanout(b *bus.Bus, logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{bus: b, sinks: sinks, logger: logger}
}

// Start subscribes every sink. Calling Start twice is not supported.
func (f *Fanout) Start(ctx context.Context) {
	for _, s := range f.sinks {
		ch, unsub := f.bus.Subscribe("", sinkBuffer)
		f.unsubs = append(f.unsubs, unsub)
		f.wg.Add(1)
		go func(s Sink) {
			defer f.wg.Done()
			f.forward(ctx, s, ch)
		}(s)
	}
}

// Stop unsubscribes all sinks and waits for in-flight deliveries.
func (f *Fanout) Stop() {
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.wg.Wait()
}

func (f *Fanout) forward(ctx context.Context, s Sink, ch <-chan bus.Event) {
	for evt := range ch {
		if evt.Kind != bus.KindRecordChanged && evt.Kind != bus.KindSummaryChanged {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := s.Deliver(dctx, evt)
		cancel()
		if err != nil {
			f.logger.Warn("sink delivery failed",
				zap.String("sink", s.Name()),
				zap.String("kind", evt.Kind),
				zap.Error(err),
			)
		}
	}
}
