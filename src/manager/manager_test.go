package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipmind/datastore/src/config"
	"github.com/clipmind/datastore/src/model"
	"github.com/clipmind/datastore/src/store"
)

type fakeStore struct {
	name string

	mu         sync.Mutex
	connected  bool
	closeCount int
	connectErr error
	pingErr    error
}

func (f *fakeStore) Name() string { return f.name }

func (f *fakeStore) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return store.ErrNotConnected
	}
	return f.pingErr
}

func (f *fakeStore) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.closeCount++
		f.connected = false
	}
	return nil
}

func (f *fakeStore) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeStore) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

type fakeRelational struct{ *fakeStore }

func (fakeRelational) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (fakeRelational) UpsertResult(context.Context, *model.PipelineResult) (string, error) {
	return "", nil
}
func (fakeRelational) GetResult(context.Context, string) (*model.VideoRecord, error) {
	return nil, nil
}
func (fakeRelational) GetSession(context.Context, string) (*model.SessionContext, error) {
	return nil, nil
}
func (fakeRelational) CreateSession(context.Context, string, string) (*model.SessionContext, error) {
	return nil, nil
}
func (fakeRelational) RecentTurns(context.Context, string, int) ([]model.ConversationTurn, error) {
	return nil, nil
}
func (fakeRelational) AppendTurn(context.Context, string, model.ConversationTurn) error {
	return nil
}

type fakeCache struct{ *fakeStore }

func (fakeCache) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (fakeCache) Set(context.Context, string, string, time.Duration) error { return nil }
func (fakeCache) Delete(context.Context, string) error                     { return nil }
func (fakeCache) FilterAdd(context.Context, string) error                  { return nil }
func (fakeCache) FilterCheck(context.Context, string) (bool, error)        { return false, nil }

type fakeGraph struct{ *fakeStore }

func (fakeGraph) CreateNode(context.Context, string, map[string]any) error { return nil }
func (fakeGraph) DeleteNode(context.Context, string, map[string]any) error { return nil }
func (fakeGraph) FindNodes(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, nil
}

type fakeVector struct{ *fakeStore }

func (fakeVector) CreateTable(context.Context, string) error { return nil }
func (fakeVector) UpsertVectors(context.Context, string, []model.SegmentVector) error {
	return nil
}
func (fakeVector) Search(context.Context, []float32, int) ([]store.VectorMatch, error) {
	return nil, nil
}

type fixture struct {
	m                        *Manager
	rel, cache, graph, vectr *fakeStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Retry = config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	cfg.HealthProbeInterval = 10 * time.Millisecond

	fx := &fixture{
		rel:   &fakeStore{name: "postgres"},
		cache: &fakeStore{name: "redis"},
		graph: &fakeStore{name: "neo4j"},
		vectr: &fakeStore{name: "vector"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fx.m = newManager(cfg, logger,
		fakeRelational{fx.rel},
		fakeCache{fx.cache},
		fakeGraph{fx.graph},
		fakeVector{fx.vectr},
	)
	return fx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestSnapshotBeforeInitialize(t *testing.T) {
	fx := newFixture(t)
	for name, st := range fx.m.Snapshot() {
		if st.State != HealthUninitialized {
			t.Fatalf("store %s = %v before init", name, st.State)
		}
	}
	if fx.m.State() != StateUninitialized {
		t.Fatalf("manager state = %v", fx.m.State())
	}
}

func TestInitializeAllHealthy(t *testing.T) {
	fx := newFixture(t)
	defer fx.m.Shutdown(context.Background())

	if err := fx.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if fx.m.State() != StateReady {
		t.Fatalf("manager state = %v, want ready", fx.m.State())
	}
	for name, st := range fx.m.Snapshot() {
		if st.State != HealthHealthy {
			t.Fatalf("store %s = %v, want healthy", name, st.State)
		}
		if st.LastChecked.IsZero() {
			t.Fatalf("store %s has no last-checked timestamp", name)
		}
	}
}

func TestInitializeDegradedMode(t *testing.T) {
	fx := newFixture(t)
	defer fx.m.Shutdown(context.Background())

	fx.rel.connectErr = errors.New("connection refused")
	if err := fx.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize must not fail on per-store errors, got %v", err)
	}

	snap := fx.m.Snapshot()
	if snap["postgres"].State != HealthUnhealthy {
		t.Fatalf("postgres = %v, want unhealthy", snap["postgres"].State)
	}
	if !strings.Contains(snap["postgres"].Err, "connection refused") {
		t.Fatalf("captured error missing: %q", snap["postgres"].Err)
	}
	for _, name := range []string{"redis", "neo4j", "vector"} {
		if snap[name].State != HealthHealthy {
			t.Fatalf("store %s = %v, want healthy", name, snap[name].State)
		}
	}
}

func TestProbeFlipsStatusAndRecovers(t *testing.T) {
	fx := newFixture(t)
	defer fx.m.Shutdown(context.Background())

	if err := fx.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	fx.cache.setPingErr(errors.New("i/o timeout"))
	waitFor(t, func() bool { return fx.m.Snapshot()["redis"].State == HealthUnhealthy })

	fx.cache.setPingErr(nil)
	waitFor(t, func() bool { return fx.m.Snapshot()["redis"].State == HealthHealthy })
}

func TestShutdownIdempotent(t *testing.T) {
	fx := newFixture(t)
	if err := fx.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	if err := fx.m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if err := fx.m.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown returned error: %v", err)
	}
	if fx.m.State() != StateClosed {
		t.Fatalf("manager state = %v, want closed", fx.m.State())
	}

	for _, st := range []*fakeStore{fx.rel, fx.cache, fx.graph, fx.vectr} {
		if st.closes() != 1 {
			t.Fatalf("store %s closed %d times, want exactly 1", st.name, st.closes())
		}
	}

	if _, err := fx.m.Relational(); !errors.Is(err, store.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown after shutdown, got %v", err)
	}
	if err := fx.m.Initialize(context.Background()); !errors.Is(err, store.ErrShuttingDown) {
		t.Fatalf("Initialize after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestAccessorsBeforeInitialize(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.m.Cache(); !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before init, got %v", err)
	}
}
