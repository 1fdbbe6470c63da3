package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// messageDoc is the MongoDB document shape for a chat message.
type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Username  string             `bson:"username"`
	Body      string             `bson:"message"`
	Timestamp time.Time          `bson:"timestamp"`
}

func (d messageDoc) stored() StoredMessage {
	return StoredMessage{
		ID:        d.ID.Hex(),
		Username:  d.Username,
		Body:      d.Body,
		Timestamp: d.Timestamp,
	}
}

// MongoStore persists messages in a MongoDB collection with majority write
// concern. A write does not succeed until a majority of the replica set has
// acknowledged it, bounded by the configured write timeout. This is the
// durability floor: a sent message survives a single-node failure.
type MongoStore struct {
	client       *mongo.Client
	coll         *mongo.Collection
	writeTimeout time.Duration
}

// NewMongoStore connects to MongoDB and verifies the deployment is reachable
// before returning.
func NewMongoStore(ctx context.Context, uri, database, collection string, writeTimeout time.Duration) (*MongoStore, error) {
	wc := writeconcern.Majority()
	wc.WTimeout = writeTimeout

	opts := options.Client().
		ApplyURI(uri).
		SetWriteConcern(wc).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &MongoStore{
		client:       client,
		coll:         client.Database(database).Collection(collection),
		writeTimeout: writeTimeout,
	}, nil
}

// Insert commits the message with majority acknowledgment. The persisted
// timestamp is server-recorded; the client-supplied timestamp is advisory
// and not trusted.
func (s *MongoStore) Insert(ctx context.Context, msg ChatMessage) (StoredMessage, error) {
	doc := messageDoc{
		Username:  msg.Username,
		Body:      msg.Body,
		Timestamp: time.Now().UTC(),
	}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("store: insert: %w", err)
	}

	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return StoredMessage{}, fmt.Errorf("store: unexpected inserted id type %T", res.InsertedID)
	}
	doc.ID = id

	return doc.stored(), nil
}

// Recent returns the limit most recent messages in ascending chronological
// order. The query sorts descending to ride the timestamp index, then the
// page is reversed.
func (s *MongoStore) Recent(ctx context.Context, limit int) ([]StoredMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("store: query recent: %w", err)
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: decode recent: %w", err)
	}

	out := make([]StoredMessage, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.stored()
	}
	return out, nil
}

// Ping reports whether a primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
