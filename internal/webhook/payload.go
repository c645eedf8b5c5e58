package webhook

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Wire shapes of the provider's webhook body. Every nested item is kept as
// json.RawMessage so that one malformed item cannot poison its siblings.

type envelope struct {
	MetaData *struct {
		Entry []json.RawMessage `json:"entry"`
	} `json:"metaData"`
	Entry []json.RawMessage `json:"entry"`
}

func (e envelope) entries() []json.RawMessage {
	if e.MetaData != nil && len(e.MetaData.Entry) > 0 {
		return e.MetaData.Entry
	}
	return e.Entry
}

type entry struct {
	Changes []json.RawMessage `json:"changes"`
}

type change struct {
	Value json.RawMessage `json:"value"`
}

type value struct {
	Metadata metadata          `json:"metadata"`
	Contacts []json.RawMessage `json:"contacts"`
	Messages json.RawMessage   `json:"messages"`
	Statuses json.RawMessage   `json:"statuses"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Timestamp epoch  `json:"timestamp"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type statusItem struct {
	ID           string `json:"id"`
	MetaMsgID    string `json:"meta_msg_id"`
	Status       string `json:"status"`
	Timestamp    epoch  `json:"timestamp"`
	RecipientID  string `json:"recipient_id"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

// epoch decodes provider timestamps: epoch seconds as a string or a number.
// Anything else leaves it unset rather than failing the item.
type epoch struct {
	t *time.Time
}

func (e *epoch) UnmarshalJSON(data []byte) error {
	e.t = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
	}
	e.t = parseEpoch(s)
	return nil
}

// maxEpochSeconds bounds accepted timestamps so that every instant survives
// the millisecond storage round-trip.
const maxEpochSeconds = 1 << 40

func parseEpoch(s string) *time.Time {
	if s == "" {
		return nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > maxEpochSeconds || sec < -maxEpochSeconds {
			return nil
		}
		t := time.Unix(sec, 0).UTC()
		return &t
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.Abs(f) > maxEpochSeconds {
		return nil
	}
	t := time.UnixMilli(int64(f * 1000)).UTC()
	return &t
}

// isArray reports whether raw holds a JSON array.
func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
