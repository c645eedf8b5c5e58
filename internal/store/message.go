package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `msg_id, conversation_id, direction, message_type, from_addr, to_addr,
	contact_name, body, business_line, phone_number_id, occurred_at, current_status, raw,
	created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ApplyMessage merges a message event into its record (idempotent on msg_id).
func (db *DB) ApplyMessage(ctx context.Context, u *MessageUpsert) (*Message, error) {
	if u.MsgID == "" {
		return nil, fmt.Errorf("apply message: empty msg_id")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			conversation_id = CASE WHEN excluded.conversation_id != '' THEN excluded.conversation_id ELSE messages.conversation_id END,
			direction = CASE WHEN excluded.direction != '' THEN excluded.direction ELSE messages.direction END,
			message_type = CASE WHEN excluded.message_type != '' THEN excluded.message_type ELSE messages.message_type END,
			from_addr = CASE WHEN excluded.from_addr != '' THEN excluded.from_addr ELSE messages.from_addr END,
			to_addr = CASE WHEN excluded.to_addr != '' THEN excluded.to_addr ELSE messages.to_addr END,
			contact_name = COALESCE(excluded.contact_name, messages.contact_name),
			body = COALESCE(excluded.body, messages.body),
			business_line = CASE WHEN excluded.business_line != '' THEN excluded.business_line ELSE messages.business_line END,
			phone_number_id = CASE WHEN excluded.phone_number_id != '' THEN excluded.phone_number_id ELSE messages.phone_number_id END,
			occurred_at = COALESCE(excluded.occurred_at, messages.occurred_at),
			raw = COALESCE(excluded.raw, messages.raw),
			updated_at = excluded.updated_at`,
		u.MsgID, u.ConversationID, string(u.Direction), u.Type, u.From, u.To,
		nullIfEmpty(u.ContactName), nullIfEmpty(u.Body), u.BusinessLine, u.PhoneNumberID,
		unixMilliOrNil(u.OccurredAt), InitialStatus(u.Direction), rawOrNil(u.Raw),
		now, now); err != nil {
		return nil, fmt.Errorf("upsert message %q: %w", u.MsgID, err)
	}

	rec, err := getMessage(ctx, tx, u.MsgID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// ApplyStatus records a status event. The history insert is ignored when an
// identical event was already stored for the same message.
func (db *DB) ApplyStatus(ctx context.Context, u *StatusUpsert) (*Message, error) {
	if u.MsgID == "" {
		return nil, fmt.Errorf("apply status: empty msg_id")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (msg_id, direction, business_line, phone_number_id, current_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			current_status = excluded.current_status,
			updated_at = excluded.updated_at`,
		u.MsgID, string(Outbound), u.BusinessLine, u.PhoneNumberID, u.Event.Status, now, now); err != nil {
		return nil, fmt.Errorf("upsert status %q: %w", u.MsgID, err)
	}

	ev := u.Event
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO status_events (msg_id, status, occurred_at, recipient_id, conversation_id, raw, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id, fingerprint) DO NOTHING`,
		u.MsgID, ev.Status, unixMilliOrNil(ev.Timestamp), ev.RecipientID, ev.ConversationID,
		rawOrNil(ev.Raw), ev.Fingerprint(), now); err != nil {
		return nil, fmt.Errorf("append status history %q: %w", u.MsgID, err)
	}

	rec, err := getMessage(ctx, tx, u.MsgID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// InsertMessage stores a locally created record unless its id already exists.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO NOTHING`,
		m.MsgID, m.ConversationID, string(m.Direction), m.Type, m.From, m.To,
		nullIfEmpty(m.ContactName), nullIfEmpty(m.Body), m.BusinessLine, m.PhoneNumberID,
		unixMilliOrNil(m.OccurredAt), m.CurrentStatus, rawOrNil(m.Raw),
		created.UnixMilli(), updated.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert message %q: %w", m.MsgID, err)
	}
	return getMessage(ctx, db, m.MsgID)
}

// GetMessage returns one record with its status history.
func (db *DB) GetMessage(ctx context.Context, msgID string) (*Message, error) {
	return getMessage(ctx, db, msgID)
}

// ListMessages returns the newest limit records of a conversation, oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT seq, `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			ORDER BY occurred_at DESC, created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY occurred_at ASC, created_at ASC, seq ASC`, conversationID, limit)
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

	history, err := historyFor(ctx, db, `
		SELECT msg_id, status, occurred_at, recipient_id, conversation_id, raw
		FROM status_events
		WHERE msg_id IN (SELECT msg_id FROM messages WHERE conversation_id = ?)
		ORDER BY id`, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].StatusHistory = history[msgs[i].MsgID]
		if msgs[i].StatusHistory == nil {
			msgs[i].StatusHistory = []StatusEvent{}
		}
	}
	return msgs, nil
}

// ListRecords returns records without history in (occurred_at, created_at) order.
func (db *DB) ListRecords(ctx context.Context, conversationID string) ([]Message, error) {
	where := "conversation_id != ''"
	var args []any
	if conversationID != "" {
		where = "conversation_id = ?"
		args = append(args, conversationID)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY occurred_at ASC, created_at ASC, seq ASC`, args...)
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
func (db *DB) LatestContactName(ctx context.Context, conversationID string) (string, error) {
	var name string
	err := db.QueryRowContext(ctx, `
		SELECT contact_name FROM messages
		WHERE conversation_id = ? AND contact_name IS NOT NULL AND contact_name != ''
		ORDER BY occurred_at DESC, created_at DESC, seq DESC
		LIMIT 1`, conversationID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest contact name: %w", err)
	}
	return name, nil
}

func getMessage(ctx context.Context, q querier, msgID string) (*Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE msg_id = ?`, msgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", msgID, err)
	}
	history, err := historyFor(ctx, q, `
		SELECT msg_id, status, occurred_at, recipient_id, conversation_id, raw
		FROM status_events WHERE msg_id = ? ORDER BY id`, msgID)
	if err != nil {
		return nil, err
	}
	m.StatusHistory = history[msgID]
	if m.StatusHistory == nil {
		m.StatusHistory = []StatusEvent{}
	}
	return m, nil
}

func historyFor(ctx context.Context, q querier, query string, args ...any) (map[string][]StatusEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]StatusEvent)
	for rows.Next() {
		var (
			msgID    string
			ev       StatusEvent
			occurred sql.NullInt64
			raw      sql.NullString
		)
		if err := rows.Scan(&msgID, &ev.Status, &occurred, &ev.RecipientID, &ev.ConversationID, &raw); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		ev.Timestamp = timeFromMilli(occurred)
		if raw.Valid {
			ev.Raw = json.RawMessage(raw.String)
		}
		out[msgID] = append(out[msgID], ev)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m                Message
		direction        string
		contact, body    sql.NullString
		raw              sql.NullString
		occurred         sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(&m.MsgID, &m.ConversationID, &direction, &m.Type, &m.From, &m.To,
		&contact, &body, &m.BusinessLine, &m.PhoneNumberID, &occurred, &m.CurrentStatus, &raw,
		&created, &updated); err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.ContactName = contact.String
	m.Body = body.String
	m.OccurredAt = timeFromMilli(occurred)
	if raw.Valid && strings.TrimSpace(raw.String) != "" {
		m.Raw = json.RawMessage(raw.String)
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return &m, nil
}

func unixMilliOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func rawOrNil(raw json.RawMessage) any {
	b := CompactJSON(raw)
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
