// Package mongostore keeps the canonical message records in a MongoDB
// collection. Every write is a single-document upsert, so concurrent
// deliveries of the same message id converge without client-side locking.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/wpphook/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// CollectionName is the collection holding the records.
const CollectionName = "processed_messages"

// changeStreamNotSupported is returned by servers that are not part of a replica set.
const changeStreamNotSupported = 40573

var recordOrder = bson.D{{Key: "timestamp", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}

// Store is a store.Backend on MongoDB.
type Store struct {
	client *mongo.Client
	col    *mongo.Collection
}

var _ store.Backend = (*Store)(nil)
var _ store.ChangeFeed = (*Store)(nil)

// Open connects to uri, verifies the server answers and ensures the indexes exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{client: client, col: client.Database(database).Collection(CollectionName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "msgId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "waId", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// ApplyMessage merges a message event into its record.
func (s *Store) ApplyMessage(ctx context.Context, u *store.MessageUpsert) (*store.Message, error) {
	if u.MsgID == "" {
		return nil, fmt.Errorf("apply message: empty msg_id")
	}
	now := time.Now().UTC()

	set := bson.D{{Key: "updatedAt", Value: now}}
	for _, f := range []struct{ key, value string }{
		{"waId", u.ConversationID},
		{"direction", string(u.Direction)},
		{"type", u.Type},
		{"from", u.From},
		{"to", u.To},
		{"contactName", u.ContactName},
		{"textBody", u.Body},
		{"displayPhoneNumber", u.BusinessLine},
		{"phoneNumberId", u.PhoneNumberID},
	} {
		if f.value != "" {
			set = append(set, bson.E{Key: f.key, Value: f.value})
		}
	}
	if u.OccurredAt != nil {
		set = append(set, bson.E{Key: "timestamp", Value: truncate(u.OccurredAt)})
	}
	if raw := store.CompactJSON(u.Raw); len(raw) > 0 {
		set = append(set, bson.E{Key: "raw", Value: string(raw)})
	}

	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "msgId", Value: u.MsgID},
			{Key: "createdAt", Value: now},
			{Key: "currentStatus", Value: store.InitialStatus(u.Direction)},
		}},
	}
	return s.upsert(ctx, u.MsgID, update)
}

// ApplyStatus appends a status event and makes it the current status.
func (s *Store) ApplyStatus(ctx context.Context, u *store.StatusUpsert) (*store.Message, error) {
	if u.MsgID == "" {
		return nil, fmt.Errorf("apply status: empty msg_id")
	}
	now := time.Now().UTC()

	onInsert := bson.D{
		{Key: "msgId", Value: u.MsgID},
		{Key: "direction", Value: string(store.Outbound)},
		{Key: "createdAt", Value: now},
	}
	if u.BusinessLine != "" {
		onInsert = append(onInsert, bson.E{Key: "displayPhoneNumber", Value: u.BusinessLine})
	}
	if u.PhoneNumberID != "" {
		onInsert = append(onInsert, bson.E{Key: "phoneNumberId", Value: u.PhoneNumberID})
	}

	update := bson.D{
		{Key: "$setOnInsert", Value: onInsert},
		{Key: "$set", Value: bson.D{
			{Key: "currentStatus", Value: u.Event.Status},
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$addToSet", Value: bson.D{{Key: "statusHistory", Value: newHistoryEntry(u.Event)}}},
	}
	return s.upsert(ctx, u.MsgID, update)
}

// upsert runs update against msgID and returns the resulting record. Two
// concurrent upserts of a new id can race on the unique index; the loser
// is retried once and then matches the winner's document.
func (s *Store) upsert(ctx context.Context, msgID string, update bson.D) (*store.Message, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc document
	err := s.col.FindOneAndUpdate(ctx, bson.D{{Key: "msgId", Value: msgID}}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		err = s.col.FindOneAndUpdate(ctx, bson.D{{Key: "msgId", Value: msgID}}, update, opts).Decode(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert %q: %w", msgID, err)
	}
	return doc.toMessage(), nil
}

// InsertMessage stores m unless a record with its id exists.
func (s *Store) InsertMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	doc := document{
		MsgID:              m.MsgID,
		WaID:               m.ConversationID,
		Direction:          string(m.Direction),
		Type:               m.Type,
		From:               m.From,
		To:                 m.To,
		ContactName:        m.ContactName,
		TextBody:           m.Body,
		DisplayPhoneNumber: m.BusinessLine,
		PhoneNumberID:      m.PhoneNumberID,
		Timestamp:          truncate(m.OccurredAt),
		CurrentStatus:      m.CurrentStatus,
		Raw:                string(store.CompactJSON(m.Raw)),
		CreatedAt:          created.UTC(),
		UpdatedAt:          updated.UTC(),
	}
	for _, ev := range m.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, newHistoryEntry(ev))
	}

	filter := bson.D{{Key: "msgId", Value: m.MsgID}}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	_, err := s.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert message %q: %w", m.MsgID, err)
	}
	return s.GetMessage(ctx, m.MsgID)
}

// GetMessage returns one record with its status history.
func (s *Store) GetMessage(ctx context.Context, msgID string) (*store.Message, error) {
	var doc document
	err := s.col.FindOne(ctx, bson.D{{Key: "msgId", Value: msgID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", msgID, err)
	}
	return doc.toMessage(), nil
}

// ListMessages returns the newest limit records of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	newestFirst := bson.D{{Key: "timestamp", Value: -1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}
	opts := options.Find().SetSort(newestFirst).SetLimit(int64(limit))
	msgs, err := s.find(ctx, bson.D{{Key: "waId", Value: conversationID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// ListRecords returns records without history in (timestamp, createdAt) order.
func (s *Store) ListRecords(ctx context.Context, conversationID string) ([]store.Message, error) {
	// $gt "" only matches non-empty strings, which skips placeholders.
	filter := bson.D{{Key: "waId", Value: bson.D{{Key: "$gt", Value: ""}}}}
	if conversationID != "" {
		filter = bson.D{{Key: "waId", Value: conversationID}}
	}
	opts := options.Find().SetSort(recordOrder).SetProjection(bson.D{{Key: "statusHistory", Value: 0}})
	msgs, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return msgs, nil
}

// LatestContactName returns the most recent non-empty contact name of a conversation.
func (s *Store) LatestContactName(ctx context.Context, conversationID string) (string, error) {
	filter := bson.D{
		{Key: "waId", Value: conversationID},
		{Key: "contactName", Value: bson.D{{Key: "$gt", Value: ""}}},
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetProjection(bson.D{{Key: "contactName", Value: 1}})
	var doc document
	err := s.col.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest contact name: %w", err)
	}
	return doc.ContactName, nil
}

// Stats returns record counters.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	var st store.Stats
	n, err := s.col.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	st.Messages = n

	convs, err := s.col.Distinct(ctx, "waId", bson.D{{Key: "waId", Value: bson.D{{Key: "$gt", Value: ""}}}})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	st.Conversations = int64(len(convs))

	cur, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "events", Value: bson.D{{Key: "$sum", Value: bson.D{
				{Key: "$size", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$statusHistory", bson.A{}}}}},
			}}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	var totals []struct {
		Events int64 `bson:"events"`
	}
	if err := cur.All(ctx, &totals); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if len(totals) > 0 {
		st.StatusEvents = totals[0].Events
	}
	return &st, nil
}

func (s *Store) find(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]store.Message, error) {
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(docs))
	for i := range docs {
		msgs = append(msgs, *docs[i].toMessage())
	}
	return msgs, nil
}
