package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/wpphook/internal/store"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ApplyMessage merges a message event into its record.
func (s *Store) ApplyMessage(ctx context.Context, u *store.MessageUpsert) (*store.Message, error) {
	if u.MsgID == "" {
		return nil, fmt.Errorf("apply message: empty msg_id")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (msg_id) DO UPDATE SET
			conversation_id = COALESCE(NULLIF(EXCLUDED.conversation_id, ''), messages.conversation_id),
			direction = COALESCE(NULLIF(EXCLUDED.direction, ''), messages.direction),
			message_type = COALESCE(NULLIF(EXCLUDED.message_type, ''), messages.message_type),
			from_addr = COALESCE(NULLIF(EXCLUDED.from_addr, ''), messages.from_addr),
			to_addr = COALESCE(NULLIF(EXCLUDED.to_addr, ''), messages.to_addr),
			contact_name = COALESCE(EXCLUDED.contact_name, messages.contact_name),
			body = COALESCE(EXCLUDED.body, messages.body),
			business_line = COALESCE(NULLIF(EXCLUDED.business_line, ''), messages.business_line),
			phone_number_id = COALESCE(NULLIF(EXCLUDED.phone_number_id, ''), messages.phone_number_id),
			occurred_at = COALESCE(EXCLUDED.occurred_at, messages.occurred_at),
			raw = COALESCE(EXCLUDED.raw, messages.raw),
			updated_at = EXCLUDED.updated_at`,
		u.MsgID, u.ConversationID, string(u.Direction), u.Type, u.From, u.To,
		textOrNil(u.ContactName), textOrNil(u.Body), u.BusinessLine, u.PhoneNumberID,
		u.OccurredAt, store.InitialStatus(u.Direction), rawOrNil(u.Raw), now); err != nil {
		return nil, fmt.Errorf("upsert message %q: %w", u.MsgID, err)
	}

	rec, err := getMessage(ctx, tx, u.MsgID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// ApplyStatus records a status event and makes it the current status.
func (s *Store) ApplyStatus(ctx context.Context, u *store.StatusUpsert) (*store.Message, error) {
	if u.MsgID == "" {
		return nil, fmt.Errorf("apply status: empty msg_id")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (msg_id, direction, business_line, phone_number_id, current_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (msg_id) DO UPDATE SET
			current_status = EXCLUDED.current_status,
			updated_at = EXCLUDED.updated_at`,
		u.MsgID, string(store.Outbound), u.BusinessLine, u.PhoneNumberID, u.Event.Status, now); err != nil {
		return nil, fmt.Errorf("upsert status %q: %w", u.MsgID, err)
	}

	ev := u.Event
	if _, err := tx.Exec(ctx, `
		INSERT INTO status_events (msg_id, status, occurred_at, recipient_id, conversation_id, raw, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (msg_id, fingerprint) DO NOTHING`,
		u.MsgID, ev.Status, ev.Timestamp, ev.RecipientID, ev.ConversationID,
		rawOrNil(ev.Raw), ev.Fingerprint(), now); err != nil {
		return nil, fmt.Errorf("append status history %q: %w", u.MsgID, err)
	}

	rec, err := getMessage(ctx, tx, u.MsgID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// InsertMessage stores a locally created record unless its id already exists.
func (s *Store) InsertMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (msg_id) DO NOTHING`,
		m.MsgID, m.ConversationID, string(m.Direction), m.Type, m.From, m.To,
		textOrNil(m.ContactName), textOrNil(m.Body), m.BusinessLine, m.PhoneNumberID,
		m.OccurredAt, m.CurrentStatus, rawOrNil(m.Raw), created.UTC(), updated.UTC()); err != nil {
		return nil, fmt.Errorf("insert message %q: %w", m.MsgID, err)
	}
	return getMessage(ctx, s.pool, m.MsgID)
}

// GetMessage returns one record with its status history.
func (s *Store) GetMessage(ctx context.Context, msgID string) (*store.Message, error) {
	return getMessage(ctx, s.pool, msgID)
}

// ListMessages returns the newest limit records of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT seq, `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY occurred_at DESC NULLS LAST, created_at DESC, seq DESC
			LIMIT $2
		) newest
		ORDER BY occurred_at ASC NULLS FIRST, created_at ASC, seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].MsgID
	}
	history, err := historyFor(ctx, s.pool, `
		SELECT msg_id, status, occurred_at, recipient_id, conversation_id, raw
		FROM status_events WHERE msg_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].StatusHistory = history[msgs[i].MsgID]
		if msgs[i].StatusHistory == nil {
			msgs[i].StatusHistory = []store.StatusEvent{}
		}
	}
	return msgs, nil
}

// ListRecords returns records without history in (occurred_at, created_at) order.
func (s *Store) ListRecords(ctx context.Context, conversationID string) ([]store.Message, error) {
	where := "conversation_id <> ''"
	var args []any
	if conversationID != "" {
		where = "conversation_id = $1"
		args = append(args, conversationID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY occurred_at ASC NULLS FIRST, created_at ASC, seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return msgs, nil
}

// LatestContactName returns the most recent non-empty contact name of a conversation.
func (s *Store) LatestContactName(ctx context.Context, conversationID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT contact_name FROM messages
		WHERE conversation_id = $1 AND contact_name IS NOT NULL AND contact_name <> ''
		ORDER BY occurred_at DESC NULLS LAST, created_at DESC, seq DESC
		LIMIT 1`, conversationID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest contact name: %w", err)
	}
	return name, nil
}

// Stats returns record counters.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	var st store.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(DISTINCT conversation_id) FROM messages WHERE conversation_id <> ''),
			(SELECT COUNT(*) FROM status_events)`).
		Scan(&st.Messages, &st.Conversations, &st.StatusEvents)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &st, nil
}

func getMessage(ctx context.Context, q querier, msgID string) (*store.Message, error) {
	m, err := scanMessage(q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE msg_id = $1`, msgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", msgID, err)
	}
	history, err := historyFor(ctx, q, `
		SELECT msg_id, status, occurred_at, recipient_id, conversation_id, raw
		FROM status_events WHERE msg_id = $1 ORDER BY id`, msgID)
	if err != nil {
		return nil, err
	}
	m.StatusHistory = history[msgID]
	if m.StatusHistory == nil {
		m.StatusHistory = []store.StatusEvent{}
	}
	return m, nil
}

func historyFor(ctx context.Context, q querier, query string, args ...any) (map[string][]store.StatusEvent, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]store.StatusEvent)
	for rows.Next() {
		var (
			msgID string
			ev    store.StatusEvent
			raw   *string
		)
		if err := rows.Scan(&msgID, &ev.Status, &ev.Timestamp, &ev.RecipientID, &ev.ConversationID, &raw); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		ev.Timestamp = utc(ev.Timestamp)
		if raw != nil {
			ev.Raw = json.RawMessage(*raw)
		}
		out[msgID] = append(out[msgID], ev)
	}
	return out, rows.Err()
}

func scanMessages(rows pgx.Rows) ([]store.Message, error) {
	defer rows.Close()
	msgs := []store.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(r pgx.Row) (*store.Message, error) {
	var (
		m             store.Message
		direction     string
		contact, body *string
		raw           *string
	)
	if err := r.Scan(&m.MsgID, &m.ConversationID, &direction, &m.Type, &m.From, &m.To,
		&contact, &body, &m.BusinessLine, &m.PhoneNumberID, &m.OccurredAt, &m.CurrentStatus, &raw,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Direction = store.Direction(direction)
	if contact != nil {
		m.ContactName = *contact
	}
	if body != nil {
		m.Body = *body
	}
	if raw != nil && *raw != "" {
		m.Raw = json.RawMessage(*raw)
	}
	m.OccurredAt = utc(m.OccurredAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(raw json.RawMessage) *string {
	b := store.CompactJSON(raw)
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}
