package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const keysCollection = "keys"

// MongoStore is the production Store backed by a single MongoDB collection,
// one document per key. The subscription id is the document _id, so
// uniqueness comes from the collection's mandatory _id index.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongodb uri cannot be empty")
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection(keysCollection),
	}, nil
}

// FindAll returns a snapshot of every key document.
func (s *MongoStore) FindAll(ctx context.Context) ([]Key, error) {
	cursor, err := s.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, domainerrors.NewStoreError("findAll", "", err)
	}
	var keys []Key
	if err := cursor.All(ctx, &keys); err != nil {
		return nil, domainerrors.NewStoreError("findAll", "", err)
	}
	return keys, nil
}

// FindOne returns the key with the given subscription id.
func (s *MongoStore) FindOne(ctx context.Context, subscriptionID string) (*Key, error) {
	var k Key
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: subscriptionID}}).Decode(&k)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domainerrors.ErrNotFound
	}
	if err != nil {
		return nil, domainerrors.NewStoreError("findOne", subscriptionID, err)
	}
	return &k, nil
}

// Insert creates a new key document.
func (s *MongoStore) Insert(ctx context.Context, k Key) error {
	_, err := s.coll.InsertOne(ctx, k)
	if mongo.IsDuplicateKeyError(err) {
		return domainerrors.ErrAlreadyExists
	}
	if err != nil {
		return domainerrors.NewStoreError("insertOne", k.SubscriptionID, err)
	}
	return nil
}

// CompareAndSetCounters applies upd through an update whose filter pins every
// counter field and the status observed in snap. The per-document atomicity
// of updateOne makes the reservation race-free across replicas.
func (s *MongoStore) CompareAndSetCounters(ctx context.Context, snap CounterSnapshot, upd CounterUpdate) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: snap.SubscriptionID},
		{Key: "status", Value: snap.Status},
		{Key: "usedInWindow", Value: snap.UsedInWindow},
		{Key: "windowStart", Value: snap.WindowStart},
		{Key: "usedDaily", Value: snap.UsedDaily},
		{Key: "dayStart", Value: snap.DayStart},
		{Key: "lastUsed", Value: snap.LastUsed},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: upd.Status},
		{Key: "usedInWindow", Value: upd.UsedInWindow},
		{Key: "windowStart", Value: upd.WindowStart},
		{Key: "usedDaily", Value: upd.UsedDaily},
		{Key: "dayStart", Value: upd.DayStart},
		{Key: "lastUsed", Value: upd.LastUsed},
	}}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, domainerrors.NewStoreError("updateOne", snap.SubscriptionID, err)
	}
	return res.MatchedCount == 1, nil
}

// MarkExhausted flips an active key to exhausted while its day window is
// still the one the caller observed.
func (s *MongoStore) MarkExhausted(ctx context.Context, subscriptionID string, observedDayStart int64) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: subscriptionID},
			{Key: "dayStart", Value: observedDayStart},
			{Key: "status", Value: StatusActive},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: StatusExhausted}}}},
	)
	if err != nil {
		return false, domainerrors.NewStoreError("markExhausted", subscriptionID, err)
	}
	return res.MatchedCount == 1, nil
}

// ResetWindow re-anchors an elapsed 30s window.
func (s *MongoStore) ResetWindow(ctx context.Context, subscriptionID string, observedWindowStart, nowMs int64) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: subscriptionID},
			{Key: "windowStart", Value: observedWindowStart},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "usedInWindow", Value: 0},
			{Key: "windowStart", Value: nowMs},
		}}},
	)
	if err != nil {
		return false, domainerrors.NewStoreError("resetWindow", subscriptionID, err)
	}
	return res.MatchedCount == 1, nil
}

// ResetDay re-anchors an elapsed 24h window. Exhausted keys are reactivated
// in the same update; banned keys only get their counters reset.
func (s *MongoStore) ResetDay(ctx context.Context, subscriptionID string, observedDayStart, nowMs int64) (bool, error) {
	// First try the exhausted->active transition in one atomic update.
	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: subscriptionID},
			{Key: "dayStart", Value: observedDayStart},
			{Key: "status", Value: StatusExhausted},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "usedDaily", Value: 0},
			{Key: "dayStart", Value: nowMs},
			{Key: "status", Value: StatusActive},
		}}},
	)
	if err != nil {
		return false, domainerrors.NewStoreError("resetDay", subscriptionID, err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	res, err = s.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: subscriptionID},
			{Key: "dayStart", Value: observedDayStart},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "usedDaily", Value: 0},
			{Key: "dayStart", Value: nowMs},
		}}},
	)
	if err != nil {
		return false, domainerrors.NewStoreError("resetDay", subscriptionID, err)
	}
	return res.MatchedCount == 1, nil
}

// UpdatePlan rewrites plan-derived fields, leaving counters untouched.
func (s *MongoStore) UpdatePlan(ctx context.Context, subscriptionID string, upd PlanUpdate) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: subscriptionID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "plan", Value: upd.Plan},
			{Key: "windowLimit", Value: upd.WindowLimit},
			{Key: "dailyLimit", Value: upd.DailyLimit},
			{Key: "avgIntervalMs", Value: upd.AvgIntervalMs},
		}}},
	)
	if err != nil {
		return domainerrors.NewStoreError("updatePlan", subscriptionID, err)
	}
	if res.MatchedCount == 0 {
		return domainerrors.ErrNotFound
	}
	return nil
}

// SetStatus overrides the lifecycle status.
func (s *MongoStore) SetStatus(ctx context.Context, subscriptionID string, status Status) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: subscriptionID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: status}}}},
	)
	if err != nil {
		return domainerrors.NewStoreError("setStatus", subscriptionID, err)
	}
	if res.MatchedCount == 0 {
		return domainerrors.ErrNotFound
	}
	return nil
}

// Delete removes a key document; deleting an absent key succeeds.
func (s *MongoStore) Delete(ctx context.Context, subscriptionID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: subscriptionID}}); err != nil {
		return domainerrors.NewStoreError("deleteOne", subscriptionID, err)
	}
	return nil
}

// Ping verifies the connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
