package mongostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/wpphook/internal/store"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type changeEvent struct {
	OperationType string    `bson:"operationType"`
	FullDocument  *document `bson:"fullDocument"`
}

// Watch opens a change stream on the collection. Standalone servers have no
// change streams and yield store.ErrChangeFeedUnsupported.
func (s *Store) Watch(ctx context.Context) (<-chan store.Change, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.col.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		var se mongo.ServerError
		if errors.As(err, &se) && se.HasErrorCode(changeStreamNotSupported) {
			return nil, fmt.Errorf("%w: %v", store.ErrChangeFeedUnsupported, err)
		}
		return nil, fmt.Errorf("open change stream: %w", err)
	}

	ch := make(chan store.Change, 64)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close(context.Background()) }()

		for stream.Next(ctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				continue
			}
			switch ev.OperationType {
			case "insert", "update", "replace":
			default:
				continue
			}
			if ev.FullDocument == nil {
				continue
			}
			select {
			case ch <- store.Change{MsgID: ev.FullDocument.MsgID, Record: ev.FullDocument.toMessage()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
