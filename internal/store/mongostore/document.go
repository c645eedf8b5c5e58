package mongostore

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/wpphook/internal/store"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// document is one record in the processed_messages collection.
type document struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty"`
	MsgID              string             `bson:"msgId"`
	WaID               string             `bson:"waId,omitempty"`
	Direction          string             `bson:"direction,omitempty"`
	Type               string             `bson:"type,omitempty"`
	From               string             `bson:"from,omitempty"`
	To                 string             `bson:"to,omitempty"`
	ContactName        string             `bson:"contactName,omitempty"`
	TextBody           string             `bson:"textBody,omitempty"`
	DisplayPhoneNumber string             `bson:"displayPhoneNumber,omitempty"`
	PhoneNumberID      string             `bson:"phoneNumberId,omitempty"`
	Timestamp          *time.Time         `bson:"timestamp"`
	CurrentStatus      string             `bson:"currentStatus,omitempty"`
	StatusHistory      []historyEntry     `bson:"statusHistory,omitempty"`
	Raw                string             `bson:"raw,omitempty"`
	CreatedAt          time.Time          `bson:"createdAt"`
	UpdatedAt          time.Time          `bson:"updatedAt"`
}

// historyEntry is compared as a whole by $addToSet, so field order and
// encoding must stay stable.
type historyEntry struct {
	Status         string     `bson:"status"`
	Timestamp      *time.Time `bson:"timestamp"`
	RecipientID    string     `bson:"recipientId"`
	ConversationID string     `bson:"conversationId"`
	Raw            string     `bson:"raw"`
	Fingerprint    string     `bson:"fingerprint"`
}

func newHistoryEntry(ev store.StatusEvent) historyEntry {
	return historyEntry{
		Status:         ev.Status,
		Timestamp:      truncate(ev.Timestamp),
		RecipientID:    ev.RecipientID,
		ConversationID: ev.ConversationID,
		Raw:            string(store.CompactJSON(ev.Raw)),
		Fingerprint:    ev.Fingerprint(),
	}
}

func (d *document) toMessage() *store.Message {
	m := &store.Message{
		MsgID:          d.MsgID,
		ConversationID: d.WaID,
		Direction:      store.Direction(d.Direction),
		Type:           d.Type,
		From:           d.From,
		To:             d.To,
		ContactName:    d.ContactName,
		Body:           d.TextBody,
		BusinessLine:   d.DisplayPhoneNumber,
		PhoneNumberID:  d.PhoneNumberID,
		OccurredAt:     utc(d.Timestamp),
		CurrentStatus:  d.CurrentStatus,
		StatusHistory:  make([]store.StatusEvent, 0, len(d.StatusHistory)),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.Raw != "" {
		m.Raw = json.RawMessage(d.Raw)
	}
	for _, h := range d.StatusHistory {
		ev := store.StatusEvent{
			Status:         h.Status,
			Timestamp:      utc(h.Timestamp),
			RecipientID:    h.RecipientID,
			ConversationID: h.ConversationID,
		}
		if h.Raw != "" {
			ev.Raw = json.RawMessage(h.Raw)
		}
		m.StatusHistory = append(m.StatusHistory, ev)
	}
	return m
}

// truncate drops sub-millisecond precision, which BSON dates cannot hold.
func truncate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Millisecond)
	return &v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
