// Package store contains one typed adapter per backing store. Each adapter
// exposes only the operations the lifecycle manager and write coordinator
// need, owns its connection handle exclusively, and keeps Connect/Close
// idempotent.
package store

import (
	"context"
	"time"

	"github.com/clipmind/datastore/src/model"
)

// Store is the minimal lifecycle contract every adapter satisfies.
type Store interface {
	// Name identifies the store in health snapshots and tagged errors.
	Name() string
	// Connect establishes the underlying pool. Calling Connect on an
	// already-connected adapter is a no-op.
	Connect(ctx context.Context) error
	// Ping performs the cheapest possible liveness check.
	Ping(ctx context.Context) error
	// Close tears the pool down. A second Close is a no-op.
	Close(ctx context.Context) error
}

// Relational is the capability set of the metadata store.
type Relational interface {
	Store
	// WithTx runs fn inside a transaction, committing on success and
	// rolling back on error or panic.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	UpsertResult(ctx context.Context, res *model.PipelineResult) (string, error)
	GetResult(ctx context.Context, videoID string) (*model.VideoRecord, error)
	GetSession(ctx context.Context, sessionID string) (*model.SessionContext, error)
	CreateSession(ctx context.Context, sessionID, userID string) (*model.SessionContext, error)
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]model.ConversationTurn, error)
	AppendTurn(ctx context.Context, sessionID string, turn model.ConversationTurn) error
}

// Cache is the capability set of the key-value store, including the
// probabilistic dedup filter it hosts.
type Cache interface {
	Store
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// FilterAdd marks key in the dedup filter. The add is atomic at the
	// store, so concurrent processes never race a check-then-act.
	FilterAdd(ctx context.Context, key string) error
	// FilterCheck reports probabilistic membership: a false answer is
	// definitive, a true answer may be a false positive.
	FilterCheck(ctx context.Context, key string) (bool, error)
}

// Graph is the capability set of the knowledge-graph store.
type Graph interface {
	Store
	CreateNode(ctx context.Context, label string, props map[string]any) error
	DeleteNode(ctx context.Context, label string, props map[string]any) error
	FindNodes(ctx context.Context, label string, props map[string]any) ([]map[string]any, error)
}

// Vector is the capability set of the embedding store.
type Vector interface {
	Store
	CreateTable(ctx context.Context, name string) error
	UpsertVectors(ctx context.Context, videoID string, rows []model.SegmentVector) error
	Search(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error)
}

// VectorMatch is one similarity hit from Vector.Search.
type VectorMatch struct {
	VideoID   string
	SegmentID string
	Score     float64
}
