package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/clipmind/datastore/src/config"
	"github.com/clipmind/datastore/src/model"
)

const vectorName = "vector"

// SQLiteVectorStore implements Vector on an embedded SQLite file, the
// local-path deployment of the vector store. Embeddings are stored as JSON
// and ranked with an exhaustive cosine scan, which is adequate for the
// per-video segment volumes this system indexes.
type SQLiteVectorStore struct {
	cfg    config.VectorConfig
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

var _ Vector = (*SQLiteVectorStore)(nil)

// NewSQLiteVectorStore builds an unconnected vector adapter.
func NewSQLiteVectorStore(cfg config.VectorConfig, logger *slog.Logger) *SQLiteVectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteVectorStore{cfg: cfg, logger: logger.With("store", vectorName)}
}

func (s *SQLiteVectorStore) Name() string { return vectorName }

// Connect opens (creating if needed) the database file and the configured
// table. Connecting an already-connected store is a no-op.
func (s *SQLiteVectorStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if dir := filepath.Dir(s.cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wrap(vectorName, "connect", err)
		}
	}
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return wrap(vectorName, "connect", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return wrap(vectorName, "connect", fmt.Errorf("apply pragma %q: %w", pragma, execErr))
		}
	}
	s.db = db
	if err := s.createTableLocked(ctx, s.cfg.Table); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	s.logger.Info("connected", "path", s.cfg.Path)
	return nil
}

// Close closes the database file. A second Close is a no-op.
func (s *SQLiteVectorStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.logger.Info("closed")
	return wrap(vectorName, "close", err)
}

// Ping runs the minimal liveness query.
func (s *SQLiteVectorStore) Ping(ctx context.Context) error {
	db, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var one int
	return wrap(vectorName, "ping", db.QueryRowContext(ctx, "SELECT 1").Scan(&one))
}

func (s *SQLiteVectorStore) acquire() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, wrap(vectorName, "acquire", ErrNotConnected)
	}
	return s.db, nil
}

func (s *SQLiteVectorStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// CreateTable creates (or opens) a segment table. Table names cannot be
// parameterized, so they are validated against a strict identifier pattern.
func (s *SQLiteVectorStore) CreateTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return wrap(vectorName, "create table", ErrNotConnected)
	}
	return s.createTableLocked(ctx, name)
}

func (s *SQLiteVectorStore) createTableLocked(ctx context.Context, name string) error {
	if !labelPattern.MatchString(name) {
		return wrap(vectorName, "create table", fmt.Errorf("invalid table name %q", name))
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
                video_id   TEXT NOT NULL,
                segment_id TEXT NOT NULL,
                start_sec  REAL NOT NULL DEFAULT 0,
                end_sec    REAL NOT NULL DEFAULT 0,
                embedding  TEXT NOT NULL,
                PRIMARY KEY (video_id, segment_id)
        )`, name))
	return wrap(vectorName, "create table", err)
}

// UpsertVectors replaces the stored rows for each (video, segment) pair.
func (s *SQLiteVectorStore) UpsertVectors(ctx context.Context, videoID string, rows []model.SegmentVector) error {
	db, err := s.acquire()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(vectorName, "upsert vectors", err)
	}
	stmt := fmt.Sprintf(`
        INSERT INTO %s (video_id, segment_id, start_sec, end_sec, embedding)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (video_id, segment_id) DO UPDATE SET
                start_sec = excluded.start_sec,
                end_sec = excluded.end_sec,
                embedding = excluded.embedding`, s.cfg.Table)
	for _, row := range rows {
		emb, marshalErr := json.Marshal(row.Embedding)
		if marshalErr != nil {
			_ = tx.Rollback()
			return wrap(vectorName, "upsert vectors", marshalErr)
		}
		if _, execErr := tx.ExecContext(ctx, stmt, videoID, row.SegmentID, row.StartSec, row.EndSec, string(emb)); execErr != nil {
			_ = tx.Rollback()
			return wrap(vectorName, "upsert vectors", execErr)
		}
	}
	return wrap(vectorName, "upsert vectors", tx.Commit())
}

// Search returns the top matches by cosine similarity against the query
// vector.
func (s *SQLiteVectorStore) Search(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error) {
	db, err := s.acquire()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		"SELECT video_id, segment_id, embedding FROM %s", s.cfg.Table))
	if err != nil {
		return nil, wrap(vectorName, "search", err)
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var m VectorMatch
		var raw string
		if err := rows.Scan(&m.VideoID, &m.SegmentID, &raw); err != nil {
			return nil, wrap(vectorName, "search", err)
		}
		var emb []float32
		if err := json.Unmarshal([]byte(raw), &emb); err != nil {
			continue // skip rows with corrupt embeddings
		}
		m.Score = CosineSimilarity(vector, emb)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(vectorName, "search", err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty, mismatched, or zero-length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
