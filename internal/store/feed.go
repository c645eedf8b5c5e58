package store

import (
	"context"
	"fmt"
	"time"
)

const (
	feedBatchSize      = 256
	feedReleaseTimeout = 5 * time.Second
)

// Watch tails the message_changes table, which triggers fill in the same
// transaction as every insert or update of a record while at least one
// watcher is registered. Only changes committed after Watch is called are
// delivered. Consumed rows are pruned, and the table is emptied when the last
// watcher leaves.
func (db *DB) Watch(ctx context.Context) (<-chan Change, error) {
	last, err := db.registerWatcher(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan Change, 64)
	go func() {
		defer close(ch)
		defer db.releaseWatcher()
		ticker := time.NewTicker(db.feedInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				next, err := db.drainChanges(ctx, last, ch)
				if err != nil {
					// The consumer restarts the feed; it sees the close as a broken feed.
					return
				}
				last = next
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (db *DB) drainChanges(ctx context.Context, after int64, out chan<- Change) (int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, msg_id FROM message_changes
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?`, after, feedBatchSize)
	if err != nil {
		return after, err
	}

	last := after
	var ids []string
	seen := make(map[string]bool)
	for rows.Next() {
		var (
			seq   int64
			msgID string
		)
		if err := rows.Scan(&seq, &msgID); err != nil {
			_ = rows.Close()
			return after, err
		}
		last = seq
		if !seen[msgID] {
			seen[msgID] = true
			ids = append(ids, msgID)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return after, err
	}
	_ = rows.Close()

	for _, id := range ids {
		rec, err := getMessage(ctx, db, id)
		if err != nil {
			return after, err
		}
		select {
		case out <- Change{MsgID: id, Record: rec}:
		case <-ctx.Done():
			return after, ctx.Err()
		}
	}

	if last > after {
		if _, err := db.ExecContext(ctx, `DELETE FROM message_changes WHERE seq <= ?`, last); err != nil {
			return last, err
		}
	}
	return last, nil
}

func (db *DB) registerWatcher(ctx context.Context) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("register watcher: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE change_feed_state SET watchers = watchers + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("register watcher: %w", err)
	}
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM message_changes`).Scan(&last); err != nil {
		return 0, fmt.Errorf("read change feed position: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("register watcher: %w", err)
	}
	return last, nil
}

// releaseWatcher runs after the watch context is done, so it uses its own.
func (db *DB) releaseWatcher() {
	ctx, cancel := context.WithTimeout(context.Background(), feedReleaseTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE change_feed_state SET watchers = MAX(watchers - 1, 0) WHERE id = 1`); err != nil {
		return
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_changes
		WHERE (SELECT watchers FROM change_feed_state WHERE id = 1) = 0`); err != nil {
		return
	}
	_ = tx.Commit()
}

func (db *DB) resetChangeFeed(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `UPDATE change_feed_state SET watchers = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("reset change feed: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM message_changes`); err != nil {
		return fmt.Errorf("reset change feed: %w", err)
	}
	return nil
}
