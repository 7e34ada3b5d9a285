// Package manager owns the lifecycle of every store adapter: concurrent
// initialization with per-store retries, periodic health probes, health
// snapshots and ordered shutdown. A store failing to initialize leaves the
// manager in degraded mode instead of aborting the others.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipmind/datastore/src/concurrent"
	"github.com/clipmind/datastore/src/config"
	"github.com/clipmind/datastore/src/retry"
	"github.com/clipmind/datastore/src/store"
)

// Health is the probe-visible condition of one store.
type Health string

const (
	HealthUninitialized Health = "uninitialized"
	HealthHealthy       Health = "healthy"
	HealthUnhealthy     Health = "unhealthy"
)

// Status is one store's entry in the health snapshot.
type Status struct {
	State       Health
	Err         string
	LastChecked time.Time
}

// State is the manager-wide lifecycle phase.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

const shutdownProbeWait = 5 * time.Second

// Manager constructs and owns the four store adapters. Connection handles
// never leave their adapter; collaborators reach stores only through the
// typed accessors.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	initPolicy retry.Policy

	relational store.Relational
	cache      store.Cache
	graph      store.Graph
	vector     store.Vector

	mu      sync.Mutex
	state   State
	status  map[string]Status
	cancel  context.CancelFunc
	probeWG sync.WaitGroup
}

// New builds a manager with real adapters for every configured store. The
// vector store variant follows the configuration: a URI selects the
// Mongo-backed store, otherwise the embedded local-path store is used.
func New(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	var vector store.Vector
	if cfg.Vector.URI != "" {
		vector = store.NewMongoVectorStore(cfg.Vector, logger)
	} else {
		vector = store.NewSQLiteVectorStore(cfg.Vector, logger)
	}
	return newManager(cfg, logger,
		store.NewPostgresStore(cfg.Postgres, logger),
		store.NewRedisStore(cfg.Redis, logger),
		store.NewNeo4jStore(cfg.Neo4j, logger),
		vector,
	)
}

// newManager wires explicit adapters; tests inject fakes here.
func newManager(cfg *config.Config, logger *slog.Logger, relational store.Relational, cache store.Cache, graph store.Graph, vector store.Vector) *Manager {
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "manager"),
		initPolicy: retry.FromConfig(cfg.Retry),
		relational: relational,
		cache:      cache,
		graph:      graph,
		vector:     vector,
		status:     make(map[string]Status),
	}
	for _, st := range m.stores() {
		m.status[st.Name()] = Status{State: HealthUninitialized}
	}
	return m
}

func (m *Manager) stores() []store.Store {
	return []store.Store{m.relational, m.cache, m.graph, m.vector}
}

// Initialize connects every store concurrently, each attempt retried under
// the configured policy. It never returns an error for per-store failures:
// a store that cannot connect is recorded as unhealthy and the manager
// proceeds in degraded mode. Health probe loops are started for all stores
// before returning.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.mu.Unlock()
		if state == StateReady {
			return nil
		}
		if state == StateShuttingDown || state == StateClosed {
			return store.ErrShuttingDown
		}
		return nil
	}
	m.state = StateInitializing
	m.mu.Unlock()

	m.logger.Info("initializing store connections")
	stores := m.stores()
	errs := concurrent.EachResult(ctx, stores, func(ctx context.Context, st store.Store) error {
		return retry.Do(ctx, m.initPolicy, st.Connect)
	})

	now := time.Now().UTC()
	degraded := false
	m.mu.Lock()
	for i, st := range stores {
		if errs[i] != nil {
			degraded = true
			m.status[st.Name()] = Status{State: HealthUnhealthy, Err: errs[i].Error(), LastChecked: now}
		} else {
			m.status[st.Name()] = Status{State: HealthHealthy, LastChecked: now}
		}
	}
	probeCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = StateReady
	m.mu.Unlock()

	for i, st := range stores {
		if errs[i] != nil {
			m.logger.Error("store initialization failed", "store", st.Name(), "error", errs[i])
		}
	}

	for _, st := range stores {
		m.probeWG.Add(1)
		go m.probeLoop(probeCtx, st)
	}

	if degraded {
		m.logger.Warn("store connections initialized in degraded mode")
	} else {
		m.logger.Info("store connections initialized")
	}
	return nil
}

// probeLoop pings one store at the configured interval until cancelled.
// Probe failures flip the store's status; they never crash the process and
// are never retried beyond the next tick.
func (m *Manager) probeLoop(ctx context.Context, st store.Store) {
	defer m.probeWG.Done()
	interval := m.cfg.HealthProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := st.Ping(ctx)
			m.recordProbe(st.Name(), err)
		}
	}
}

func (m *Manager) recordProbe(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return
	}
	prev := m.status[name]
	next := Status{State: HealthHealthy, LastChecked: time.Now().UTC()}
	if err != nil {
		next.State = HealthUnhealthy
		next.Err = err.Error()
	}
	m.status[name] = next
	if prev.State != next.State {
		if next.State == HealthUnhealthy {
			m.logger.Warn("health probe failed", "store", name, "error", err)
		} else {
			m.logger.Info("store recovered", "store", name)
		}
	}
}

// Snapshot returns an immutable copy of the current per-store health
// status. Safe to call concurrently with probes and shutdown.
func (m *Manager) Snapshot() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.status))
	for name, st := range m.status {
		out[name] = st
	}
	return out
}

// State returns the manager-wide lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Shutdown cancels the health probes, waits briefly for them to exit, and
// closes every adapter exactly once. Close errors are logged, not
// propagated. Shutdown is idempotent: a second call is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateShuttingDown || m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateShuttingDown
	cancel := m.cancel
	m.mu.Unlock()

	m.logger.Info("closing store connections")
	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			m.probeWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		case <-time.After(shutdownProbeWait):
			m.logger.Warn("health probes did not stop in time")
		}
	}

	for _, st := range m.stores() {
		if err := st.Close(ctx); err != nil {
			m.logger.Error("store close failed", "store", st.Name(), "error", err)
		}
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	m.logger.Info("store connections closed")
	return nil
}

// ready guards the typed accessors: stores are reachable only while the
// manager is READY.
func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateReady:
		return nil
	case StateShuttingDown, StateClosed:
		return store.ErrShuttingDown
	default:
		return store.ErrNotConnected
	}
}

// Relational returns the metadata store.
func (m *Manager) Relational() (store.Relational, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.relational, nil
}

// Cache returns the key-value store hosting the dedup filter.
func (m *Manager) Cache() (store.Cache, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.cache, nil
}

// Graph returns the knowledge-graph store.
func (m *Manager) Graph() (store.Graph, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.graph, nil
}

// Vector returns the embedding store.
func (m *Manager) Vector() (store.Vector, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.vector, nil
}

// Healthy reports whether the named store's last probe succeeded.
func (m *Manager) Healthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[name].State == HealthHealthy
}
