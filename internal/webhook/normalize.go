// Package webhook turns provider webhook payloads into store operations.
// It performs no I/O.
package webhook

import (
	"encoding/json"

	"github.com/matheus3301/wpphook/internal/store"
)

// OpKind tags the variant held by an Op.
type OpKind int

const (
	OpMessage OpKind = iota + 1
	OpStatus
)

func (k OpKind) String() string {
	switch k {
	case OpMessage:
		return "message"
	case OpStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Op is one store write derived from a payload. Exactly one of Message and
// Status is set, according to Kind.
type Op struct {
	Kind    OpKind
	Message *store.MessageUpsert
	Status  *store.StatusUpsert
}

// MsgID returns the record key the op writes to.
func (o Op) MsgID() string {
	switch o.Kind {
	case OpMessage:
		return o.Message.MsgID
	case OpStatus:
		return o.Status.MsgID
	}
	return ""
}

// Batch is the result of normalizing one payload.
type Batch struct {
	// Ops in payload order.
	Ops []Op
	// Conversations touched by the payload, deduplicated in first-seen order.
	Conversations []string
	// Skipped counts items that were malformed or lacked a key.
	Skipped int
}

// Options supply the business line used when payload metadata omits it.
type Options struct {
	BusinessNumber string
	PhoneNumberID  string
}

// Normalizer converts payloads to batches.
type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Normalize never fails: unparseable JSON or a payload without entries yields
// an empty batch.
func (n *Normalizer) Normalize(payload []byte) Batch {
	var b Batch
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return b
	}

	seen := make(map[string]bool)
	touch := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			b.Conversations = append(b.Conversations, id)
		}
	}

	for _, rawEntry := range env.entries() {
		var e entry
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			b.Skipped++
			continue
		}
		for _, rawChange := range e.Changes {
			var c change
			if err := json.Unmarshal(rawChange, &c); err != nil {
				b.Skipped++
				continue
			}
			var v value
			if len(c.Value) == 0 || json.Unmarshal(c.Value, &v) != nil {
				b.Skipped++
				continue
			}
			n.change(&b, &v, touch)
		}
	}
	return b
}

func (n *Normalizer) change(b *Batch, v *value, touch func(string)) {
	businessLine := v.Metadata.DisplayPhoneNumber
	if businessLine == "" {
		businessLine = n.opts.BusinessNumber
	}
	phoneNumberID := v.Metadata.PhoneNumberID
	if phoneNumberID == "" {
		phoneNumberID = n.opts.PhoneNumberID
	}

	var first contact
	for i, raw := range v.Contacts {
		var c contact
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		if i == 0 {
			first = c
		}
		touch(c.WaID)
	}

	if isArray(v.Messages) {
		var items []json.RawMessage
		if err := json.Unmarshal(v.Messages, &items); err != nil {
			b.Skipped++
		}
		for _, raw := range items {
			u, ok := messageUpsert(raw, first, businessLine, phoneNumberID)
			if !ok {
				b.Skipped++
				continue
			}
			b.Ops = append(b.Ops, Op{Kind: OpMessage, Message: u})
			touch(u.ConversationID)
			if u.Direction == store.Inbound {
				touch(u.From)
			}
		}
	}

	if isArray(v.Statuses) {
		var items []json.RawMessage
		if err := json.Unmarshal(v.Statuses, &items); err != nil {
			b.Skipped++
		}
		for _, raw := range items {
			u, ok := statusUpsert(raw, businessLine, phoneNumberID)
			if !ok {
				b.Skipped++
				continue
			}
			b.Ops = append(b.Ops, Op{Kind: OpStatus, Status: u})
			touch(u.Event.RecipientID)
		}
	}
}

func messageUpsert(raw json.RawMessage, c contact, businessLine, phoneNumberID string) (*store.MessageUpsert, bool) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
		return nil, false
	}

	direction := store.Inbound
	if businessLine != "" && m.From == businessLine {
		direction = store.Outbound
	}
	conversationID := c.WaID
	if conversationID == "" && direction == store.Inbound {
		conversationID = m.From
	}

	u := &store.MessageUpsert{
		MsgID:          m.ID,
		ConversationID: conversationID,
		Direction:      direction,
		Type:           m.Type,
		ContactName:    c.Profile.Name,
		BusinessLine:   businessLine,
		PhoneNumberID:  phoneNumberID,
		OccurredAt:     m.Timestamp.t,
		Raw:            store.CompactJSON(raw),
	}
	if direction == store.Outbound {
		u.From, u.To = businessLine, conversationID
	} else {
		u.From, u.To = conversationID, businessLine
	}
	if m.Text != nil {
		u.Body = m.Text.Body
	}
	return u, true
}

func statusUpsert(raw json.RawMessage, businessLine, phoneNumberID string) (*store.StatusUpsert, bool) {
	var s statusItem
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	key := s.MetaMsgID
	if key == "" {
		key = s.ID
	}
	if key == "" || s.Status == "" {
		return nil, false
	}

	ev := store.StatusEvent{
		Status:      s.Status,
		Timestamp:   s.Timestamp.t,
		RecipientID: s.RecipientID,
		Raw:         store.CompactJSON(raw),
	}
	if s.Conversation != nil {
		ev.ConversationID = s.Conversation.ID
	}
	return &store.StatusUpsert{
		MsgID:         key,
		BusinessLine:  businessLine,
		PhoneNumberID: phoneNumberID,
		Event:         ev,
	}, true
}
