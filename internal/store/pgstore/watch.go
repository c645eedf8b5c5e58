package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/wpphook/internal/store"
)

// Watch listens on NotifyChannel with a connection taken out of the pool.
// Notifications are sent by a trigger on commit, so only committed records
// are delivered.
func (s *Store) Watch(ctx context.Context) (<-chan store.Change, error) {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}

	ch := make(chan store.Change, 64)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(context.Background()) }()

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				return
			}
			rec, err := s.GetMessage(ctx, n.Payload)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return
			}
			select {
			case ch <- store.Change{MsgID: n.Payload, Record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
