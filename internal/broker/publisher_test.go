package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/matheus3301/wpphook/internal/bus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	declared   string
	kind       string
	published  []published
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared, f.kind = name, kind
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestNewPublisherDeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	if _, err := NewPublisher(ch, "wpphook.events", zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if ch.declared != "wpphook.events" || ch.kind != "topic" {
		t.Errorf("declared %s (%s)", ch.declared, ch.kind)
	}
}

func TestDeliverRoutesByKind(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := NewPublisher(ch, "wpphook.events", zap.NewNop())
	ctx := context.Background()

	if err := p.Deliver(ctx, bus.Event{Kind: bus.KindRecordChanged, Payload: map[string]string{"msgId": "m1"}}); err != nil {
		t.Fatal(err)
	}
	if err := p.Deliver(ctx, bus.Event{Kind: bus.KindSummaryChanged, Payload: map[string]string{"waId": "911"}}); err != nil {
		t.Fatal(err)
	}

	if len(ch.published) != 2 {
		t.Fatalf("published = %d, want 2", len(ch.published))
	}
	first := ch.published[0]
	if first.key != KeyMessageChanged || first.exchange != "wpphook.events" {
		t.Errorf("first = %s/%s", first.exchange, first.key)
	}
	if first.msg.ContentType != "application/json" || first.msg.MessageId == "" || first.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("publishing = %+v", first.msg)
	}
	var body map[string]string
	if err := json.Unmarshal(first.msg.Body, &body); err != nil || body["msgId"] != "m1" {
		t.Errorf("body = %s", first.msg.Body)
	}
	if ch.published[1].key != KeyChatSummary {
		t.Errorf("second key = %s", ch.published[1].key)
	}
}

func TestDeliverErrors(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	p, _ := NewPublisher(ch, "x", zap.NewNop())

	if err := p.Deliver(context.Background(), bus.Event{Kind: bus.KindRecordChanged}); err == nil {
		t.Error("expected publish error")
	}
	if err := p.Deliver(context.Background(), bus.Event{Kind: bus.KindStatusChanged}); err == nil {
		t.Error("expected error for unsupported kind")
	}
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := NewPublisher(ch, "x", zap.NewNop())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !ch.closed {
		t.Error("channel not closed")
	}
}
