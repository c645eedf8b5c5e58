// Package summary derives per-conversation summaries from canonical records.
package summary

import (
	"slices"
	"time"

	"github.com/matheus3301/wpphook/internal/store"
)

// Summary is the derived view of one conversation. It is never stored as a
// source of truth.
type Summary struct {
	ConversationID string          `json:"waId"`
	LastMessageID  string          `json:"lastMsgId"`
	LastMessage    string          `json:"lastMessage"`
	LastStatus     string          `json:"lastStatus"`
	LastDirection  store.Direction `json:"lastDirection"`
	LastTimestamp  *time.Time      `json:"lastTimestamp"`
	ContactName    string          `json:"contactName"`
}

// Summarize folds records into one summary per conversation, in order of
// first appearance. Scalar fields come from the last record in
// (occurredAt, createdAt) order; the contact name is the last non-empty one.
// Records without a conversation id are ignored.
func Summarize(records []store.Message) []Summary {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, compareRecords)

	var order []string
	byID := make(map[string]*Summary)
	for i := range sorted {
		r := &sorted[i]
		if r.ConversationID == "" {
			continue
		}
		s, ok := byID[r.ConversationID]
		if !ok {
			s = &Summary{ConversationID: r.ConversationID}
			byID[r.ConversationID] = s
			order = append(order, r.ConversationID)
		}
		s.LastMessageID = r.MsgID
		s.LastMessage = r.Body
		s.LastStatus = r.CurrentStatus
		s.LastDirection = r.Direction
		s.LastTimestamp = r.OccurredAt
		if r.ContactName != "" {
			s.ContactName = r.ContactName
		}
	}

	out := make([]Summary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// Sort orders summaries most recent first. Summaries without a timestamp go
// last; ties keep their input order.
func Sort(summaries []Summary) {
	slices.SortStableFunc(summaries, func(a, b Summary) int {
		switch {
		case a.LastTimestamp == nil && b.LastTimestamp == nil:
			return 0
		case a.LastTimestamp == nil:
			return 1
		case b.LastTimestamp == nil:
			return -1
		}
		return b.LastTimestamp.Compare(*a.LastTimestamp)
	})
}

// compareRecords orders by occurredAt with missing timestamps first, then createdAt.
func compareRecords(a, b store.Message) int {
	switch {
	case a.OccurredAt == nil && b.OccurredAt != nil:
		return -1
	case a.OccurredAt != nil && b.OccurredAt == nil:
		return 1
	case a.OccurredAt != nil && b.OccurredAt != nil:
		if c := a.OccurredAt.Compare(*b.OccurredAt); c != 0 {
			return c
		}
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}
