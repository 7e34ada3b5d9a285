package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconf "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"

	"github.com/clipmind/datastore/src/config"
)

const neo4jName = "neo4j"

// graphDriver abstracts the Neo4j driver capabilities the adapter uses, so
// tests can substitute lightweight fakes for the real Bolt driver.
type graphDriver interface {
	VerifyConnectivity(ctx context.Context) error
	Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// Neo4jStore implements Graph on top of the official Bolt driver.
type Neo4jStore struct {
	cfg    config.Neo4jConfig
	logger *slog.Logger
	dial   func(ctx context.Context) (graphDriver, error)

	mu     sync.Mutex
	driver graphDriver
}

var _ Graph = (*Neo4jStore)(nil)

// NewNeo4jStore builds an unconnected graph adapter.
func NewNeo4jStore(cfg config.Neo4jConfig, logger *slog.Logger) *Neo4jStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Neo4jStore{cfg: cfg, logger: logger.With("store", neo4jName)}
	s.dial = s.dialBolt
	return s
}

func (s *Neo4jStore) Name() string { return neo4jName }

func (s *Neo4jStore) dialBolt(ctx context.Context) (graphDriver, error) {
	driver, err := neo4j.NewDriverWithContext(
		s.cfg.URI,
		neo4j.BasicAuth(s.cfg.User, s.cfg.Password, ""),
		func(c *neo4jconf.Config) {
			c.MaxConnectionPoolSize = s.cfg.PoolSize
			c.MaxConnectionLifetime = s.cfg.ConnectionLifetime
		},
	)
	if err != nil {
		return nil, err
	}
	return &boltDriver{driver: driver}, nil
}

// Connect dials the server and verifies connectivity. Connecting an
// already-connected store is a no-op.
func (s *Neo4jStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver != nil {
		return nil
	}
	driver, err := s.dial(ctx)
	if err != nil {
		return wrap(neo4jName, "connect", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return wrap(neo4jName, "connect", err)
	}
	s.driver = driver
	s.logger.Info("connected")
	return nil
}

// Close releases the driver. A second Close is a no-op.
func (s *Neo4jStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return nil
	}
	err := s.driver.Close(ctx)
	s.driver = nil
	s.logger.Info("closed")
	return wrap(neo4jName, "close", err)
}

// Ping verifies server reachability.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	driver, err := s.acquire()
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(neo4jName, "ping", driver.VerifyConnectivity(ctx))
}

func (s *Neo4jStore) acquire() (graphDriver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return nil, wrap(neo4jName, "acquire", ErrNotConnected)
	}
	return s.driver, nil
}

func (s *Neo4jStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

var labelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// validLabel guards against Cypher injection: labels cannot be
// parameterized, so they must match a strict identifier pattern.
func validLabel(label string) error {
	if !labelPattern.MatchString(label) {
		return fmt.Errorf("invalid node label %q", label)
	}
	return nil
}

// propClause renders "{k1: $k1, k2: $k2}" for the given property keys in a
// deterministic order. Values always travel as parameters.
func propClause(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		if !labelPattern.MatchString(k) {
			return "", fmt.Errorf("invalid property key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: $%s", k, k)
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

// CreateNode merges a node with the given label and properties. MERGE keeps
// repeated saves for the same video from piling up duplicate nodes.
func (s *Neo4jStore) CreateNode(ctx context.Context, label string, props map[string]any) error {
	driver, err := s.acquire()
	if err != nil {
		return err
	}
	if err := validLabel(label); err != nil {
		return wrap(neo4jName, "create node", err)
	}
	clause, err := propClause(props)
	if err != nil {
		return wrap(neo4jName, "create node", err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	query := fmt.Sprintf("MERGE (n:%s %s) RETURN n", label, clause)
	_, err = driver.Run(ctx, query, props)
	return wrap(neo4jName, "create node", err)
}

// DeleteNode detaches and deletes nodes matching the label and properties.
func (s *Neo4jStore) DeleteNode(ctx context.Context, label string, props map[string]any) error {
	driver, err := s.acquire()
	if err != nil {
		return err
	}
	if err := validLabel(label); err != nil {
		return wrap(neo4jName, "delete node", err)
	}
	clause, err := propClause(props)
	if err != nil {
		return wrap(neo4jName, "delete node", err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	query := fmt.Sprintf("MATCH (n:%s %s) DETACH DELETE n", label, clause)
	_, err = driver.Run(ctx, query, props)
	return wrap(neo4jName, "delete node", err)
}

// FindNodes returns the property maps of nodes matching the label and the
// optional property filter.
func (s *Neo4jStore) FindNodes(ctx context.Context, label string, props map[string]any) ([]map[string]any, error) {
	driver, err := s.acquire()
	if err != nil {
		return nil, err
	}
	if err := validLabel(label); err != nil {
		return nil, wrap(neo4jName, "find nodes", err)
	}
	clause, err := propClause(props)
	if err != nil {
		return nil, wrap(neo4jName, "find nodes", err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	query := fmt.Sprintf("MATCH (n:%s %s) RETURN properties(n) AS props", label, clause)
	records, err := driver.Run(ctx, query, props)
	if err != nil {
		return nil, wrap(neo4jName, "find nodes", err)
	}
	nodes := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if m, ok := rec["props"].(map[string]any); ok {
			nodes = append(nodes, m)
		}
	}
	return nodes, nil
}

// boltDriver adapts the official driver to the graphDriver interface.
type boltDriver struct {
	driver neo4j.DriverWithContext
}

func (d *boltDriver) VerifyConnectivity(ctx context.Context) error {
	return d.driver.VerifyConnectivity(ctx)
}

func (d *boltDriver) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = rec.AsMap()
	}
	return out, nil
}

func (d *boltDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}
