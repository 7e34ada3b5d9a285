// Package coordinator performs the cross-store write of pipeline results.
// The relational commit is the durable record; cache, dedup filter, graph
// and vector writes are best-effort accelerators that are logged when they
// fail, never retried and never a reason to roll back. Cross-store
// consistency is therefore explicitly asymmetric, not transactional.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipmind/datastore/src/config"
	"github.com/clipmind/datastore/src/model"
	"github.com/clipmind/datastore/src/retry"
	"github.com/clipmind/datastore/src/store"
)

// StoreProvider hands out store capabilities while the lifecycle manager
// is ready, and fails distinctly once shutdown has begun.
type StoreProvider interface {
	Relational() (store.Relational, error)
	Cache() (store.Cache, error)
	Graph() (store.Graph, error)
	Vector() (store.Vector, error)
}

// OutcomeKind discriminates the result of SaveResult.
type OutcomeKind int

const (
	// OutcomeSaved means the relational row was committed.
	OutcomeSaved OutcomeKind = iota
	// OutcomeSkipped means the dedup filter reported the id as already
	// processed. Because the filter is probabilistic this can rarely be a
	// false positive; recovering such an item needs an external
	// reconciliation pass.
	OutcomeSkipped
	// OutcomeFailed means the write unit exhausted its retries.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSaved:
		return "saved"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Outcome is the caller-visible result of one save call. Raw store errors
// never escape through it untagged.
type Outcome struct {
	Kind OutcomeKind
	// ID is the relational row id, set only for OutcomeSaved.
	ID string
	// Err is set only for OutcomeFailed.
	Err error
}

func saved(id string) Outcome  { return Outcome{Kind: OutcomeSaved, ID: id} }
func skipped() Outcome         { return Outcome{Kind: OutcomeSkipped} }
func failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

// Coordinator executes coordinated writes against the stores owned by the
// lifecycle manager.
type Coordinator struct {
	stores   StoreProvider
	policy   retry.Policy
	cacheTTL time.Duration
	logger   *slog.Logger
	sleep    retry.Sleeper
}

// New builds a coordinator over the given provider (normally the lifecycle
// manager).
func New(stores StoreProvider, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		stores:   stores,
		policy:   retry.FromConfig(cfg.Retry),
		cacheTTL: cfg.Redis.CacheTTL,
		logger:   logger.With("component", "coordinator"),
		sleep:    retry.SleepContext,
	}
}

// SaveResult persists one pipeline result across the stores:
//
//  1. The dedup filter short-circuits ids that were already marked.
//  2. The relational upsert runs inside a transaction, retried with capped
//     exponential backoff on transient failure.
//  3. After the commit, the cache summary, dedup mark, graph node and
//     vector rows are written best-effort.
//
// The returned outcome is Saved, Skipped or Failed; it never exposes a raw
// store-level error type.
func (c *Coordinator) SaveResult(ctx context.Context, res *model.PipelineResult) Outcome {
	if res == nil || res.VideoID == "" {
		return failed(fmt.Errorf("pipeline result has no video id"))
	}

	cache, err := c.stores.Cache()
	if err != nil {
		return failed(err)
	}
	present, err := cache.FilterCheck(ctx, res.VideoID)
	if err != nil {
		// A broken filter must not block durable writes; treat the id as
		// unseen and continue.
		c.logger.Warn("dedup filter check failed", "video_id", res.VideoID, "error", err)
	} else if present {
		c.logger.Debug("dedup filter hit", "video_id", res.VideoID)
		return skipped()
	}

	rel, err := c.stores.Relational()
	if err != nil {
		return failed(err)
	}

	var rowID string
	err = retry.DoWithSleeper(ctx, c.policy, c.sleep, func(ctx context.Context) error {
		return c.upsertOnce(ctx, rel, res, &rowID)
	})
	if err != nil {
		return failed(fmt.Errorf("save result %q: %w", res.VideoID, err))
	}

	c.propagate(ctx, cache, res, rowID)
	return saved(rowID)
}

// upsertOnce is one attempt of the retried unit: a transactional upsert of
// the metadata row. Conflict errors get exactly one reconciliation pass (a
// second conditional upsert now that the row exists) before surfacing as a
// permanent domain error.
func (c *Coordinator) upsertOnce(ctx context.Context, rel store.Relational, res *model.PipelineResult, rowID *string) error {
	attempt := func(ctx context.Context) error {
		return rel.WithTx(ctx, func(ctx context.Context) error {
			id, err := rel.UpsertResult(ctx, res)
			if err != nil {
				return err
			}
			*rowID = id
			return nil
		})
	}
	err := attempt(ctx)
	if err == nil {
		return nil
	}
	if store.IsConflict(err) {
		c.logger.Warn("upsert conflict, reconciling", "video_id", res.VideoID)
		if recErr := attempt(ctx); recErr == nil {
			return nil
		}
		return retry.Permanent(fmt.Errorf("%w: %v", store.ErrConflict, err))
	}
	if !store.IsTransient(err) {
		// Malformed statements, constraint breaches and the like will not
		// heal with backoff.
		return retry.Permanent(err)
	}
	return err
}

// propagate performs the post-commit best-effort writes. Failures here are
// logged and swallowed: the relational commit already recorded the result.
func (c *Coordinator) propagate(ctx context.Context, cache store.Cache, res *model.PipelineResult, rowID string) {
	summary := model.ResultSummary{
		VideoID:      res.VideoID,
		Status:       res.Status,
		Indexed:      res.Indexing != nil,
		QualityScore: res.OverallQualityScore,
	}
	if payload, err := model.EncodeSummary(summary); err != nil {
		c.logger.Warn("cache summary encode failed", "video_id", res.VideoID, "error", err)
	} else if err := cache.Set(ctx, store.VideoKey(res.VideoID), payload, c.cacheTTL); err != nil {
		c.logger.Warn("cache refresh failed", "video_id", res.VideoID, "error", err)
	}

	if err := cache.FilterAdd(ctx, res.VideoID); err != nil {
		c.logger.Warn("dedup filter mark failed", "video_id", res.VideoID, "error", err)
	}

	if res.KnowledgeGraph != nil {
		if graph, err := c.stores.Graph(); err != nil {
			c.logger.Warn("graph store unavailable", "video_id", res.VideoID, "error", err)
		} else if err := graph.CreateNode(ctx, "Video", map[string]any{
			"video_id":      res.VideoID,
			"status":        res.Status,
			"quality_score": res.OverallQualityScore,
		}); err != nil {
			c.logger.Warn("graph node upsert failed", "video_id", res.VideoID, "error", err)
		}
	}

	if len(res.Segments) > 0 {
		if vector, err := c.stores.Vector(); err != nil {
			c.logger.Warn("vector store unavailable", "video_id", res.VideoID, "error", err)
		} else if err := vector.UpsertVectors(ctx, res.VideoID, res.Segments); err != nil {
			c.logger.Warn("vector upsert failed", "video_id", res.VideoID, "error", err)
		}
	}

	c.logger.Info("result saved", "video_id", res.VideoID, "row_id", rowID)
}

// LoadSession returns the session context for sessionID, creating the
// session when it does not exist yet, with up to ten recent turns attached
// (newest first). The assembled context is served from the cache when a
// fresh entry exists and written back best-effort after a relational load.
func (c *Coordinator) LoadSession(ctx context.Context, sessionID, userID string) (*model.SessionContext, error) {
	cache, cacheErr := c.stores.Cache()
	if cacheErr == nil {
		if payload, ok, err := cache.Get(ctx, store.SessionKey(sessionID)); err == nil && ok {
			if sess, err := model.DecodeSession(payload); err == nil {
				return sess, nil
			}
			c.logger.Warn("cached session payload unreadable", "session_id", sessionID)
		}
	}

	rel, err := c.stores.Relational()
	if err != nil {
		return nil, err
	}
	sess, err := rel.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess, err = rel.CreateSession(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
	}
	turns, err := rel.RecentTurns(ctx, sessionID, 10)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns

	if cacheErr == nil {
		if payload, err := model.EncodeSession(sess); err == nil {
			if err := cache.Set(ctx, store.SessionKey(sessionID), payload, c.cacheTTL); err != nil {
				c.logger.Warn("session cache refresh failed", "session_id", sessionID, "error", err)
			}
		}
	}
	return sess, nil
}

// SaveConversation appends one turn to the session's history. The cached
// session summary is invalidated best-effort so the next read rebuilds it.
func (c *Coordinator) SaveConversation(ctx context.Context, sessionID string, turn model.ConversationTurn) error {
	rel, err := c.stores.Relational()
	if err != nil {
		return err
	}
	if err := rel.AppendTurn(ctx, sessionID, turn); err != nil {
		return err
	}
	if cache, err := c.stores.Cache(); err == nil {
		if err := cache.Delete(ctx, store.SessionKey(sessionID)); err != nil {
			c.logger.Warn("session cache invalidation failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}
