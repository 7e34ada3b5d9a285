package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipmind/datastore/src/config"
)

const redisName = "redis"

// RedisStore implements Cache on top of go-redis. The dedup filter lives in
// the same database as a RedisBloom filter, so membership adds and checks
// are atomic server-side commands rather than client-side check-then-act.
type RedisStore struct {
	cfg    config.RedisConfig
	logger *slog.Logger

	mu       sync.Mutex
	client   *redis.Client
	reserved bool
}

var _ Cache = (*RedisStore)(nil)

// NewRedisStore builds an unconnected cache adapter.
func NewRedisStore(cfg config.RedisConfig, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{cfg: cfg, logger: logger.With("store", redisName)}
}

func (s *RedisStore) Name() string { return redisName }

// Connect dials the server, verifies it with a ping, and reserves the dedup
// filter. Reservation failure is tolerated here and retried lazily on first
// filter use.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	opts, err := redis.ParseURL(s.cfg.URL)
	if err != nil {
		return wrap(redisName, "connect", err)
	}
	opts.PoolSize = s.cfg.PoolSize
	opts.DialTimeout = s.cfg.ConnectTimeout
	opts.ReadTimeout = s.cfg.SocketTimeout
	opts.WriteTimeout = s.cfg.SocketTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return wrap(redisName, "connect", err)
	}

	s.client = client
	s.reserved = false
	if err := s.reserveFilterLocked(ctx); err != nil {
		s.logger.Warn("dedup filter reservation deferred", "error", err)
	}
	s.logger.Info("connected")
	return nil
}

// Close releases the client. A second Close is a no-op.
func (s *RedisStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.logger.Info("closed")
	if err != nil {
		return wrap(redisName, "close", err)
	}
	return nil
}

// Ping checks server liveness.
func (s *RedisStore) Ping(ctx context.Context) error {
	client, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(redisName, "ping", client.Ping(ctx).Err())
}

func (s *RedisStore) acquire() (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, wrap(redisName, "acquire", ErrNotConnected)
	}
	return s.client, nil
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// Get returns the value for key and whether it was present.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	client, err := s.acquire()
	if err != nil {
		return "", false, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(redisName, "get", err)
	}
	return val, true, nil
}

// Set stores value under key with the given TTL (zero means no expiry).
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	client, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(redisName, "set", client.Set(ctx, key, value, ttl).Err())
}

// Delete removes key; deleting a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	client, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(redisName, "delete", client.Del(ctx, key).Err())
}

// FilterAdd marks key in the dedup filter via BF.ADD.
func (s *RedisStore) FilterAdd(ctx context.Context, key string) error {
	client, err := s.acquire()
	if err != nil {
		return err
	}
	if err := s.ensureReserved(ctx); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(redisName, "filter add", client.BFAdd(ctx, s.cfg.FilterName, key).Err())
}

// FilterCheck reports probabilistic membership via BF.EXISTS. A false
// result is definitive; a true result may be a false positive at the
// configured error rate.
func (s *RedisStore) FilterCheck(ctx context.Context, key string) (bool, error) {
	client, err := s.acquire()
	if err != nil {
		return false, err
	}
	if err := s.ensureReserved(ctx); err != nil {
		return false, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	present, err := client.BFExists(ctx, s.cfg.FilterName, key).Result()
	if err != nil {
		return false, wrap(redisName, "filter check", err)
	}
	return present, nil
}

func (s *RedisStore) ensureReserved(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved {
		return nil
	}
	return s.reserveFilterLocked(ctx)
}

// reserveFilterLocked issues BF.RESERVE once per process. An "item exists"
// response means another process (or a previous run) already created the
// filter, which is fine.
func (s *RedisStore) reserveFilterLocked(ctx context.Context) error {
	if s.client == nil {
		return wrap(redisName, "filter reserve", ErrNotConnected)
	}
	err := s.client.BFReserve(ctx, s.cfg.FilterName, s.cfg.FilterErrorRate, s.cfg.FilterCapacity).Err()
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "exists") {
		return wrap(redisName, "filter reserve", err)
	}
	s.reserved = true
	return nil
}
