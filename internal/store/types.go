package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Direction tells whether a message was sent by the contact or by the business line.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Delivery states a record can be in. Provider statuses outside this set are stored verbatim.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

// InitialStatus is the status a record starts with when a message event creates it.
func InitialStatus(d Direction) string {
	if d == Inbound {
		return StatusReceived
	}
	return StatusQueued
}

// StatusEvent is one entry of a record's status history.
type StatusEvent struct {
	Status         string          `json:"status"`
	Timestamp      *time.Time      `json:"timestamp"`
	RecipientID    string          `json:"recipientId"`
	ConversationID string          `json:"conversationId,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Fingerprint identifies the event by its full content. Two deliveries of the
// same webhook item produce the same fingerprint.
func (e StatusEvent) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.Status))
	h.Write([]byte{0})
	if e.Timestamp != nil {
		h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	}
	h.Write([]byte{0})
	h.Write([]byte(e.RecipientID))
	h.Write([]byte{0})
	h.Write([]byte(e.ConversationID))
	h.Write([]byte{0})
	h.Write(CompactJSON(e.Raw))
	return hex.EncodeToString(h.Sum(nil))
}

// Message is the canonical record for one provider message id.
// JSON names match what the web UI consumes.
type Message struct {
	MsgID          string          `json:"msgId"`
	ConversationID string          `json:"waId,omitempty"`
	Direction      Direction       `json:"direction"`
	Type           string          `json:"type,omitempty"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	ContactName    string          `json:"contactName,omitempty"`
	Body           string          `json:"textBody,omitempty"`
	BusinessLine   string          `json:"displayPhoneNumber,omitempty"`
	PhoneNumberID  string          `json:"phoneNumberId,omitempty"`
	OccurredAt     *time.Time      `json:"timestamp"`
	CurrentStatus  string          `json:"currentStatus"`
	StatusHistory  []StatusEvent   `json:"statusHistory"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// MessageUpsert merges a message event into the record keyed by MsgID.
// Content fields overwrite the stored ones when carried (non-empty); the
// initial status and creation time are only written when the record is new.
type MessageUpsert struct {
	MsgID          string
	ConversationID string
	Direction      Direction
	Type           string
	From           string
	To             string
	ContactName    string
	Body           string
	BusinessLine   string
	PhoneNumberID  string
	OccurredAt     *time.Time
	Raw            json.RawMessage
}

// StatusUpsert appends a status event to the record keyed by MsgID and makes
// it the current status. A placeholder outbound record is created when the id
// has not been seen yet.
type StatusUpsert struct {
	MsgID         string
	BusinessLine  string
	PhoneNumberID string
	Event         StatusEvent
}

// Stats holds record counters.
type Stats struct {
	Messages      int64 `json:"messages"`
	Conversations int64 `json:"conversations"`
	StatusEvents  int64 `json:"statusEvents"`
}

// Change is one entry of a backend's native change feed.
type Change struct {
	MsgID  string
	Record *Message
}

// CompactJSON strips insignificant whitespace so that equal documents compare equal.
// Invalid input is returned unchanged.
func CompactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
