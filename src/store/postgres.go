package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipmind/datastore/src/config"
	"github.com/clipmind/datastore/src/model"
)

const postgresName = "postgres"

// PostgresStore implements Relational on top of a pgx connection pool.
type PostgresStore struct {
	cfg    config.PostgresConfig
	logger *slog.Logger

	mu   sync.Mutex
	pool *pgxpool.Pool
}

var _ Relational = (*PostgresStore)(nil)

// NewPostgresStore builds an unconnected relational adapter.
func NewPostgresStore(cfg config.PostgresConfig, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{cfg: cfg, logger: logger.With("store", postgresName)}
}

func (s *PostgresStore) Name() string { return postgresName }

// Connect creates the pool, verifies it with a ping, and bootstraps the
// schema. Connecting an already-connected store is a no-op.
func (s *PostgresStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.cfg.URL)
	if err != nil {
		return wrap(postgresName, "connect", err)
	}
	poolCfg.MaxConns = int32(s.cfg.PoolSize + s.cfg.MaxOverflow)
	poolCfg.MaxConnLifetime = s.cfg.PoolRecycle
	poolCfg.ConnConfig.ConnectTimeout = s.cfg.PoolTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return wrap(postgresName, "connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return wrap(postgresName, "connect", err)
	}
	if err := createSchema(ctx, pool); err != nil {
		pool.Close()
		return wrap(postgresName, "schema", err)
	}

	s.pool = pool
	s.logger.Info("connected")
	return nil
}

// Close releases the pool. A second Close is a no-op.
func (s *PostgresStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	s.pool.Close()
	s.pool = nil
	s.logger.Info("closed")
	return nil
}

// Ping runs the minimal liveness query.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return wrap(postgresName, "ping", err)
	}
	return nil
}

func (s *PostgresStore) acquire() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, wrap(postgresName, "acquire", ErrNotConnected)
	}
	return s.pool, nil
}

func (s *PostgresStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

type txKey struct{}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back when fn returns an error or panics. Statements
// issued through the adapter inside fn join the transaction via the context.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	pool, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrap(postgresName, "begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap(postgresName, "commit", err)
	}
	return nil
}

func (s *PostgresStore) runner(ctx context.Context) (runner, error) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx, nil
	}
	return s.acquire()
}

// runner narrows pgx.Tx and *pgxpool.Pool to the calls the adapter issues.
type runner interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const upsertResultSQL = `
INSERT INTO video_metadata (
        id, video_id, video_path, filename, processing_status,
        overall_quality_score, pipeline_id,
        video_processing_result, feature_extraction_result,
        knowledge_graph_result, indexing_result,
        features_extracted, indexed, processing_completed_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
ON CONFLICT (video_id) DO UPDATE SET
        processing_status         = EXCLUDED.processing_status,
        overall_quality_score     = EXCLUDED.overall_quality_score,
        pipeline_id               = EXCLUDED.pipeline_id,
        video_processing_result   = EXCLUDED.video_processing_result,
        feature_extraction_result = EXCLUDED.feature_extraction_result,
        knowledge_graph_result    = EXCLUDED.knowledge_graph_result,
        indexing_result           = EXCLUDED.indexing_result,
        features_extracted        = EXCLUDED.features_extracted,
        indexed                   = EXCLUDED.indexed,
        processing_completed_at   = EXCLUDED.processing_completed_at,
        updated_at                = now()
RETURNING id;`

// UpsertResult inserts or conditionally updates the metadata row for the
// result's video. A concurrent writer losing the race on video_id lands on
// the conflict branch instead of surfacing an insert failure.
func (s *PostgresStore) UpsertResult(ctx context.Context, res *model.PipelineResult) (string, error) {
	run, err := s.runner(ctx)
	if err != nil {
		return "", err
	}
	var completedAt *time.Time
	if !res.CompletedAt.IsZero() {
		t := res.CompletedAt.UTC()
		completedAt = &t
	} else if res.Status == "completed" || res.Status == "success" {
		t := time.Now().UTC()
		completedAt = &t
	}
	var id string
	err = run.QueryRow(ctx, upsertResultSQL,
		uuid.NewString(),
		res.VideoID,
		res.VideoPath,
		filepath.Base(res.VideoPath),
		res.Status,
		res.OverallQualityScore,
		res.PipelineID,
		rawOrNil(res.VideoProcessing),
		rawOrNil(res.FeatureExtraction),
		rawOrNil(res.KnowledgeGraph),
		rawOrNil(res.Indexing),
		res.FeatureExtraction != nil,
		res.Indexing != nil,
		completedAt,
	).Scan(&id)
	if err != nil {
		return "", wrap(postgresName, "upsert result", err)
	}
	return id, nil
}

// GetResult loads the metadata row for videoID, or nil when absent.
func (s *PostgresStore) GetResult(ctx context.Context, videoID string) (*model.VideoRecord, error) {
	run, err := s.runner(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rec model.VideoRecord
	err = run.QueryRow(ctx, `
        SELECT id, video_id, COALESCE(video_path, ''), COALESCE(filename, ''),
               COALESCE(processing_status, ''), COALESCE(overall_quality_score, 0),
               COALESCE(pipeline_id, ''),
               video_processing_result, feature_extraction_result,
               knowledge_graph_result, indexing_result,
               features_extracted, indexed,
               uploaded_at, processing_completed_at, created_at, updated_at
        FROM video_metadata WHERE video_id = $1`, videoID).Scan(
		&rec.ID, &rec.VideoID, &rec.VideoPath, &rec.Filename,
		&rec.ProcessingStatus, &rec.OverallQualityScore, &rec.PipelineID,
		&rec.VideoProcessing, &rec.FeatureExtraction,
		&rec.KnowledgeGraph, &rec.Indexing,
		&rec.FeaturesExtracted, &rec.Indexed,
		&rec.UploadedAt, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(postgresName, "get result", err)
	}
	return &rec, nil
}

// GetSession loads a user session, or nil when absent.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.SessionContext, error) {
	run, err := s.runner(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sc model.SessionContext
	err = run.QueryRow(ctx, `
        SELECT session_id, user_id, start_time, last_activity,
               COALESCE(current_topic, ''), COALESCE(current_video, '')
        FROM user_sessions WHERE session_id = $1`, sessionID).Scan(
		&sc.SessionID, &sc.UserID, &sc.StartTime, &sc.LastActivity,
		&sc.CurrentTopic, &sc.CurrentVideo,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(postgresName, "get session", err)
	}
	return &sc, nil
}

// CreateSession inserts a fresh session row; an existing session is
// returned untouched.
func (s *PostgresStore) CreateSession(ctx context.Context, sessionID, userID string) (*model.SessionContext, error) {
	run, err := s.runner(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sc model.SessionContext
	err = run.QueryRow(ctx, `
        INSERT INTO user_sessions (session_id, user_id, start_time, last_activity)
        VALUES ($1, $2, now(), now())
        ON CONFLICT (session_id) DO UPDATE SET last_activity = now()
        RETURNING session_id, user_id, start_time, last_activity,
                  COALESCE(current_topic, ''), COALESCE(current_video, '')`,
		sessionID, userID).Scan(
		&sc.SessionID, &sc.UserID, &sc.StartTime, &sc.LastActivity,
		&sc.CurrentTopic, &sc.CurrentVideo,
	)
	if err != nil {
		return nil, wrap(postgresName, "create session", err)
	}
	return &sc, nil
}

// RecentTurns returns up to limit conversation turns, newest first.
func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]model.ConversationTurn, error) {
	run, err := s.runner(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := run.Query(ctx, `
        SELECT turn_id, user_message, assistant_response,
               COALESCE(intent, ''), COALESCE(processing_time, 0), timestamp
        FROM conversation_history
        WHERE session_id = $1
        ORDER BY timestamp DESC
        LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, wrap(postgresName, "recent turns", err)
	}
	defer rows.Close()

	var turns []model.ConversationTurn
	for rows.Next() {
		var t model.ConversationTurn
		if err := rows.Scan(&t.TurnID, &t.UserMessage, &t.AssistantResponse, &t.Intent, &t.ProcessingTime, &t.Timestamp); err != nil {
			return nil, wrap(postgresName, "recent turns", err)
		}
		turns = append(turns, t)
	}
	return turns, wrap(postgresName, "recent turns", rows.Err())
}

// AppendTurn persists one conversation turn and bumps the session's
// last-activity timestamp.
func (s *PostgresStore) AppendTurn(ctx context.Context, sessionID string, turn model.ConversationTurn) error {
	run, err := s.runner(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var one int
	err = run.QueryRow(ctx, `
        WITH bumped AS (
                UPDATE user_sessions
                SET last_activity = now(), conversation_turns = conversation_turns + 1
                WHERE session_id = $1
        )
        INSERT INTO conversation_history (session_id, turn_id, user_message, assistant_response, intent, processing_time, timestamp)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING 1`,
		sessionID, turn.TurnID, turn.UserMessage, turn.AssistantResponse,
		turn.Intent, turn.ProcessingTime, ts).Scan(&one)
	return wrap(postgresName, "append turn", err)
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS video_metadata (
                id UUID PRIMARY KEY,
                video_id VARCHAR(255) UNIQUE NOT NULL,
                video_path VARCHAR(1000),
                filename VARCHAR(500),
                processing_status VARCHAR(50),
                overall_quality_score DOUBLE PRECISION,
                pipeline_id VARCHAR(255),
                video_processing_result JSONB,
                feature_extraction_result JSONB,
                knowledge_graph_result JSONB,
                indexing_result JSONB,
                features_extracted BOOLEAN DEFAULT FALSE,
                indexed BOOLEAN DEFAULT FALSE,
                uploaded_at TIMESTAMPTZ DEFAULT now(),
                processing_completed_at TIMESTAMPTZ,
                created_at TIMESTAMPTZ DEFAULT now(),
                updated_at TIMESTAMPTZ DEFAULT now()
        )`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
                session_id VARCHAR(255) PRIMARY KEY,
                user_id VARCHAR(255) NOT NULL,
                start_time TIMESTAMPTZ DEFAULT now(),
                last_activity TIMESTAMPTZ DEFAULT now(),
                conversation_turns INTEGER DEFAULT 0,
                current_topic VARCHAR(500),
                current_video VARCHAR(255)
        )`,
	`CREATE TABLE IF NOT EXISTS conversation_history (
                id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
                session_id VARCHAR(255) NOT NULL REFERENCES user_sessions(session_id),
                turn_id VARCHAR(255) NOT NULL,
                user_message TEXT,
                assistant_response TEXT,
                intent VARCHAR(100),
                processing_time DOUBLE PRECISION,
                timestamp TIMESTAMPTZ DEFAULT now()
        )`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_history_session
                ON conversation_history (session_id, timestamp DESC)`,
}

func createSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
