// Package ingest applies webhook payloads and local submissions to the
// record store and notifies subscribers once the writes are committed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/webhook"
	"go.uber.org/zap"
)

// ErrInvalidInput is returned by Submit when the conversation id or the text is missing.
var ErrInvalidInput = errors.New("waId and text are required")

// DefaultBusinessNumber is used as the sender of local submissions when no
// business number is configured.
const DefaultBusinessNumber = "000000000000"

// Notifier is told about every committed change.
type Notifier interface {
	Notify(ctx context.Context, records []*store.Message, conversationIDs []string)
}

// Result reports what one payload did.
type Result struct {
	Applied       int
	Skipped       int
	Failed        int
	Conversations []string
}

// Pipeline is the single write path: normalize, write, then notify.
type Pipeline struct {
	store      store.Backend
	normalizer *webhook.Normalizer
	notifier   Notifier
	business   webhook.Options
	logger     *zap.Logger
}

func NewPipeline(b store.Backend, notifier Notifier, business webhook.Options, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:      b,
		normalizer: webhook.New(business),
		notifier:   notifier,
		business:   business,
		logger:     logger,
	}
}

// Process applies every operation in payload. A failed operation does not
// stop the others; the failures are joined into the returned error and the
// successful writes are still notified. Redelivering the same payload is safe.
func (p *Pipeline) Process(ctx context.Context, payload []byte) (*Result, error) {
	batch := p.normalizer.Normalize(payload)
	res := &Result{Skipped: batch.Skipped, Conversations: batch.Conversations}

	var (
		records []*store.Message
		errs    []error
	)
	for _, op := range batch.Ops {
		rec, err := p.apply(ctx, op)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("%s %s: %w", op.Kind, op.MsgID(), err))
			continue
		}
		res.Applied++
		records = append(records, rec)
	}

	if len(records) > 0 || len(batch.Conversations) > 0 {
		p.notifier.Notify(ctx, records, batch.Conversations)
	}

	p.logger.Info("webhook processed",
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, errors.Join(errs...)
}

func (p *Pipeline) apply(ctx context.Context, op webhook.Op) (*store.Message, error) {
	switch op.Kind {
	case webhook.OpMessage:
		return p.store.ApplyMessage(ctx, op.Message)
	case webhook.OpStatus:
		return p.store.ApplyStatus(ctx, op.Status)
	default:
		return nil, fmt.Errorf("unknown op kind %d", op.Kind)
	}
}

// Submit records a locally composed outbound text message in the queued
// state. Nothing is sent to the provider. The contact name is inherited from
// the conversation's latest named record.
func (p *Pipeline) Submit(ctx context.Context, conversationID, text string) (*store.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || strings.TrimSpace(text) == "" {
		return nil, ErrInvalidInput
	}

	name, err := p.store.LatestContactName(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("lookup contact name: %w", err)
	}

	business := p.business.BusinessNumber
	if business == "" {
		business = DefaultBusinessNumber
	}
	now := time.Now().UTC()
	msg := &store.Message{
		MsgID:          localID(now),
		ConversationID: conversationID,
		Direction:      store.Outbound,
		Type:           "text",
		From:           business,
		To:             conversationID,
		ContactName:    name,
		Body:           text,
		BusinessLine:   business,
		PhoneNumberID:  p.business.PhoneNumberID,
		OccurredAt:     &now,
		CurrentStatus:  store.StatusQueued,
		StatusHistory:  []store.StatusEvent{},
		Raw:            []byte(`{"simulated":true}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rec, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	p.logger.Info("outbound message queued", zap.String("msg_id", rec.MsgID), zap.String("wa_id", conversationID))
	p.notifier.Notify(ctx, []*store.Message{rec}, []string{conversationID})
	return rec, nil
}

func localID(now time.Time) string {
	return fmt.Sprintf("local-%d-%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
