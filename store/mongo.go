package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xyths/ganymede/compiler"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/module"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultConfigCollection  = "config"
	DefaultCompileCollection = "compiles"
	DefaultKey               = "bot"
)

// Connect dials uri and checks the connection.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	// Check the connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(database), nil
}

// MongoStore keeps the config record under one key and the compile history
// in a second collection.
type MongoStore struct {
	key      string
	config   *mongo.Collection
	compiles *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection, key string) *MongoStore {
	if collection == "" {
		collection = DefaultConfigCollection
	}
	if key == "" {
		key = DefaultKey
	}
	return &MongoStore{
		key:      key,
		config:   db.Collection(collection),
		compiles: db.Collection(DefaultCompileCollection),
	}
}

type configDoc struct {
	Key     string        `bson:"_id"`
	Record  config.Record `bson:"record"`
	Updated time.Time     `bson:"updated"`
}

func (s *MongoStore) Load(ctx context.Context) (config.Record, error) {
	var doc configDoc
	err := s.config.FindOne(ctx, bson.M{"_id": s.key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return config.Record{}, ErrNotFound
	}
	if err != nil {
		return config.Record{}, fmt.Errorf("load config %s error: %w", s.key, err)
	}
	return doc.Record, nil
}

func (s *MongoStore) Save(ctx context.Context, rec config.Record) error {
	option := options.FindOneAndUpdate().SetUpsert(true)
	r := s.config.FindOneAndUpdate(
		ctx,
		bson.D{
			{Key: "_id", Value: s.key},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "record", Value: rec},
				{Key: "updated", Value: time.Now()},
			}},
		},
		option,
	)
	// the first upsert finds nothing to return
	if r.Err() != nil && !errors.Is(r.Err(), mongo.ErrNoDocuments) {
		return fmt.Errorf("save config %s error: %w", s.key, r.Err())
	}
	return nil
}

type compileDoc struct {
	ID          string    `bson:"_id"`
	Kind        string    `bson:"kind"`
	Source      string    `bson:"source"`
	State       string    `bson:"state"`
	Artifact    string    `bson:"artifact,omitempty"`
	Diagnostic  string    `bson:"diagnostic,omitempty"`
	SubmittedAt time.Time `bson:"submittedAt"`
	CompletedAt time.Time `bson:"completedAt"`
}

// SaveRequest records a finished compile or validate request.
func (s *MongoStore) SaveRequest(ctx context.Context, r *compiler.Request) error {
	option := options.FindOneAndUpdate().SetUpsert(true)
	res := s.compiles.FindOneAndUpdate(
		ctx,
		bson.D{
			{Key: "_id", Value: r.ID.String()},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "kind", Value: r.Kind},
				{Key: "source", Value: r.Source},
				{Key: "state", Value: r.State.String()},
				{Key: "artifact", Value: string(r.Artifact)},
				{Key: "diagnostic", Value: r.Diagnostic},
				{Key: "submittedAt", Value: r.SubmittedAt},
				{Key: "completedAt", Value: r.CompletedAt},
			}},
		},
		option,
	)
	if res.Err() != nil && !errors.Is(res.Err(), mongo.ErrNoDocuments) {
		return fmt.Errorf("save compile request error: %w", res.Err())
	}
	return nil
}

// Recent returns up to limit requests, newest first.
func (s *MongoStore) Recent(ctx context.Context, limit int64) ([]compiler.Request, error) {
	opts := options.Find().SetSort(bson.D{{Key: "submittedAt", Value: -1}}).SetLimit(limit)
	cur, err := s.compiles.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []compileDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]compiler.Request, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			continue
		}
		r := compiler.Request{
			ID:          id,
			Kind:        d.Kind,
			Source:      d.Source,
			Artifact:    module.ArtifactRef(d.Artifact),
			Diagnostic:  d.Diagnostic,
			SubmittedAt: d.SubmittedAt,
			CompletedAt: d.CompletedAt,
		}
		switch d.State {
		case compiler.Succeeded.String():
			r.State = compiler.Succeeded
		case compiler.Failed.String():
			r.State = compiler.Failed
		}
		out = append(out, r)
	}
	return out, nil
}
