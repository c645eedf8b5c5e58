package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrChangeFeedUnsupported is returned by Watch when the backend (or its
	// deployment) cannot provide native change tracking.
	ErrChangeFeedUnsupported = errors.New("store: change feed unsupported")
)

// Backend is the canonical record store. Every write is an idempotent
// conditional upsert; no caller-side locking is needed.
type Backend interface {
	ApplyMessage(ctx context.Context, u *MessageUpsert) (*Message, error)
	ApplyStatus(ctx context.Context, u *StatusUpsert) (*Message, error)
	// InsertMessage stores m only if no record with its id exists and returns the stored record.
	InsertMessage(ctx context.Context, m *Message) (*Message, error)
	GetMessage(ctx context.Context, msgID string) (*Message, error)
	// ListMessages returns the most recent limit records of a conversation, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ListRecords returns records without status history ordered by
	// (occurredAt, createdAt) ascending. An empty conversationID selects every
	// record that belongs to a conversation.
	ListRecords(ctx context.Context, conversationID string) ([]Message, error)
	// LatestContactName returns the most recent non-empty contact name of a conversation.
	LatestContactName(ctx context.Context, conversationID string) (string, error)
	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// ChangeFeed is implemented by backends with native change tracking.
// The returned channel is closed when ctx is done or the feed breaks.
type ChangeFeed interface {
	Watch(ctx context.Context) (<-chan Change, error)
}
