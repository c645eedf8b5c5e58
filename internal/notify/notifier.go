// Package notify propagates committed record changes to subscribers.
//
// Writers call Notifier.Notify after every committed write. A Tailer can
// additionally follow the backend's native change feed so that writes made
// by other processes are propagated too. Both publish on the bus; a Fanout
// forwards bus events to the sinks (websocket hub, broker).
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/wpphook/internal/bus"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/summary"
	"go.uber.org/zap"
)

// Notifier publishes record and summary deltas.
type Notifier struct {
	bus       *bus.Bus
	summaries *summary.Service
	logger    *zap.Logger
}

func New(b *bus.Bus, summaries *summary.Service, logger *zap.Logger) *Notifier {
	return &Notifier{bus: b, summaries: summaries, logger: logger}
}

// Notify publishes one record.changed event per record, then recomputes and
// publishes the summary of every touched conversation. It never fails: the
// write it reports on is already committed, so errors are only logged.
func (n *Notifier) Notify(ctx context.Context, records []*store.Message, conversationIDs []string) {
	now := time.Now()
	seen := make(map[string]bool)
	var convs []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			convs = append(convs, id)
		}
	}
	for _, id := range conversationIDs {
		add(id)
	}

	for _, rec := range records {
		if rec == nil {
			continue
		}
		n.bus.Publish(bus.Event{Kind: bus.KindRecordChanged, Timestamp: now, Payload: rec})
		add(rec.ConversationID)
	}

	for _, id := range convs {
		s, err := n.summaries.Refresh(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			n.logger.Warn("summary recompute failed", zap.String("wa_id", id), zap.Error(err))
			continue
		}
		n.bus.Publish(bus.Event{Kind: bus.KindSummaryChanged, Timestamp: time.Now(), Payload: s})
	}
}
