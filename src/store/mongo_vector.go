package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/clipmind/datastore/src/config"
	"github.com/clipmind/datastore/src/model"
)

const mongoCloseTimeout = 5 * time.Second

// MongoVectorStore is the remote variant of the Vector capability, backed
// by a MongoDB collection. It is interchangeable with SQLiteVectorStore
// behind the Vector interface; the lifecycle manager picks it when a vector
// store URI is configured instead of a local path.
type MongoVectorStore struct {
	cfg    config.VectorConfig
	logger *slog.Logger

	mu         sync.Mutex
	client     *mongo.Client
	collection *mongo.Collection
}

var _ Vector = (*MongoVectorStore)(nil)

// NewMongoVectorStore builds an unconnected Mongo-backed vector adapter.
func NewMongoVectorStore(cfg config.VectorConfig, logger *slog.Logger) *MongoVectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoVectorStore{cfg: cfg, logger: logger.With("store", vectorName)}
}

func (s *MongoVectorStore) Name() string { return vectorName }

// Connect dials the cluster and verifies it with a ping.
func (s *MongoVectorStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.cfg.URI))
	if err != nil {
		return wrap(vectorName, "connect", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return wrap(vectorName, "connect", err)
	}
	s.client = client
	s.collection = client.Database(s.cfg.Database).Collection(s.cfg.Table)
	s.logger.Info("connected", "uri", s.cfg.URI)
	return nil
}

// Close disconnects the client. A second Close is a no-op.
func (s *MongoVectorStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoCloseTimeout)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.collection = nil
	s.logger.Info("closed")
	return wrap(vectorName, "close", err)
}

// Ping checks cluster reachability.
func (s *MongoVectorStore) Ping(ctx context.Context) error {
	client, _, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(vectorName, "ping", client.Ping(ctx, readpref.Primary()))
}

func (s *MongoVectorStore) acquire() (*mongo.Client, *mongo.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, nil, wrap(vectorName, "acquire", ErrNotConnected)
	}
	return s.client, s.collection, nil
}

func (s *MongoVectorStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// CreateTable is a no-op beyond an index: Mongo creates collections lazily.
func (s *MongoVectorStore) CreateTable(ctx context.Context, name string) error {
	client, _, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	coll := client.Database(s.cfg.Database).Collection(name)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "video_id", Value: 1}, {Key: "segment_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return wrap(vectorName, "create table", err)
}

// UpsertVectors replaces the stored documents for each (video, segment) pair.
func (s *MongoVectorStore) UpsertVectors(ctx context.Context, videoID string, rows []model.SegmentVector) error {
	_, coll, err := s.acquire()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	for _, row := range rows {
		filter := bson.M{"video_id": videoID, "segment_id": row.SegmentID}
		doc := bson.M{
			"video_id":   videoID,
			"segment_id": row.SegmentID,
			"start_sec":  row.StartSec,
			"end_sec":    row.EndSec,
			"embedding":  float64Embedding(row.Embedding),
		}
		if _, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
			return wrap(vectorName, "upsert vectors", err)
		}
	}
	return nil
}

// Search scans the collection and ranks documents by cosine similarity.
func (s *MongoVectorStore) Search(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error) {
	_, coll, err := s.acquire()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cursor, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, wrap(vectorName, "search", err)
	}
	defer cursor.Close(ctx)

	var matches []VectorMatch
	for cursor.Next(ctx) {
		var doc struct {
			VideoID   string    `bson:"video_id"`
			SegmentID string    `bson:"segment_id"`
			Embedding []float64 `bson:"embedding"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, wrap(vectorName, "search", err)
		}
		emb := float32Embedding(doc.Embedding)
		matches = append(matches, VectorMatch{
			VideoID:   doc.VideoID,
			SegmentID: doc.SegmentID,
			Score:     CosineSimilarity(vector, emb),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, wrap(vectorName, "search", err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// BSON stores float64; embeddings travel as float32.

func float64Embedding(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func float32Embedding(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
