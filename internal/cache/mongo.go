package cache

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const storedAtField = "_storedAt"

// MongoStore implements Backend with one MongoDB collection per cache collection.
// Documents are flat: {stn, ...payload, updatedAt}. Older rows may carry timestamp
// instead of updatedAt, and a station may have several rows.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo dials uri, pings it, and ensures the lookup index on every collection.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo index ensure failed: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	for _, name := range []string{CollectionCurrent, CollectionVentilation, CollectionOutdoor, CollectionDaily} {
		_, err := s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: fieldStation, Value: 1}, {Key: fieldUpdatedAt, Value: -1}},
			Options: options.Index().SetName("stn_updatedAt"),
		})
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// FindLatest implements Store.FindLatest. Rows are ordered by updatedAt, falling back
// to timestamp; rows with neither sort last.
func (s *MongoStore) FindLatest(ctx context.Context, collection string, station int) (Record, bool, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: fieldStation, Value: station}}}},
		{{Key: "$addFields", Value: bson.D{{Key: storedAtField, Value: bson.D{
			{Key: "$ifNull", Value: bson.A{"$" + fieldUpdatedAt, "$" + fieldTimestamp}},
		}}}}},
		{{Key: "$sort", Value: bson.D{{Key: storedAtField, Value: -1}}}},
		{{Key: "$limit", Value: 1}},
		{{Key: "$project", Value: bson.D{{Key: storedAtField, Value: 0}}}},
	}
	cur, err := s.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return Record{}, false, err
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return Record{}, false, cur.Err()
	}
	var doc bson.M
	if err := cur.Decode(&doc); err != nil {
		return Record{}, false, fmt.Errorf("decode document: %w", err)
	}
	rec, err := fromDocument(normalizeBSON(doc).(map[string]interface{}))
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Upsert implements Store.Upsert by replacing one row for the station.
func (s *MongoStore) Upsert(ctx context.Context, collection string, rec Record) error {
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(collection).ReplaceOne(
		ctx,
		bson.M{fieldStation: rec.Station},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

// Insert appends rec as a new row without touching existing ones.
func (s *MongoStore) Insert(ctx context.Context, collection string, rec Record) error {
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(collection).InsertOne(ctx, doc)
	return err
}

// Ping checks the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// normalizeBSON converts driver-specific values into the plain Go types the JSON
// payload encoding understands.
func normalizeBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeBSON(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeBSON(e)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case primitive.DateTime:
		return t.Time()
	}
	return v
}
