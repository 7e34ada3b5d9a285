package store

import (
	"context"
	"errors"
	"testing"

	"github.com/clipmind/datastore/src/config"
)

// fakeGraphDriver records the Cypher issued by the adapter.
type fakeGraphDriver struct {
	queries    []string
	params     []map[string]any
	runResult  []map[string]any
	runErr     error
	verifyErr  error
	closeCount int
}

func (f *fakeGraphDriver) VerifyConnectivity(context.Context) error { return f.verifyErr }

func (f *fakeGraphDriver) Run(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	return f.runResult, f.runErr
}

func (f *fakeGraphDriver) Close(context.Context) error {
	f.closeCount++
	return nil
}

func newFakeNeo4j(driver *fakeGraphDriver) *Neo4jStore {
	s := NewNeo4jStore(config.Neo4jConfig{URI: "bolt://fake"}, nil)
	s.dial = func(context.Context) (graphDriver, error) { return driver, nil }
	return s
}

func TestNeo4jOperationsBeforeConnect(t *testing.T) {
	s := newFakeNeo4j(&fakeGraphDriver{})
	if err := s.CreateNode(context.Background(), "Video", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestNeo4jCreateNodeParameterizesProps(t *testing.T) {
	driver := &fakeGraphDriver{}
	s := newFakeNeo4j(driver)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	props := map[string]any{"video_id": "v1", "status": "completed"}
	if err := s.CreateNode(ctx, "Video", props); err != nil {
		t.Fatalf("CreateNode returned error: %v", err)
	}
	want := "MERGE (n:Video {status: $status, video_id: $video_id}) RETURN n"
	if driver.queries[0] != want {
		t.Fatalf("query = %q, want %q", driver.queries[0], want)
	}
	if driver.params[0]["video_id"] != "v1" {
		t.Fatalf("params not forwarded: %#v", driver.params[0])
	}
}

func TestNeo4jRejectsInvalidLabel(t *testing.T) {
	s := newFakeNeo4j(&fakeGraphDriver{})
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := s.CreateNode(ctx, "Video) DETACH DELETE n //", nil); err == nil {
		t.Fatalf("expected invalid label to be rejected")
	}
	if err := s.CreateNode(ctx, "Video", map[string]any{"bad key": 1}); err == nil {
		t.Fatalf("expected invalid property key to be rejected")
	}
}

func TestNeo4jFindNodesExtractsProps(t *testing.T) {
	driver := &fakeGraphDriver{
		runResult: []map[string]any{
			{"props": map[string]any{"video_id": "v1"}},
			{"props": map[string]any{"video_id": "v2"}},
		},
	}
	s := newFakeNeo4j(driver)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	nodes, err := s.FindNodes(ctx, "Video", nil)
	if err != nil {
		t.Fatalf("FindNodes returned error: %v", err)
	}
	if len(nodes) != 2 || nodes[1]["video_id"] != "v2" {
		t.Fatalf("unexpected nodes: %#v", nodes)
	}
}

func TestNeo4jCloseIdempotent(t *testing.T) {
	driver := &fakeGraphDriver{}
	s := newFakeNeo4j(driver)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if driver.closeCount != 1 {
		t.Fatalf("driver closed %d times, want 1", driver.closeCount)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestNeo4jConnectVerifiesConnectivity(t *testing.T) {
	driver := &fakeGraphDriver{verifyErr: errors.New("connection refused")}
	s := newFakeNeo4j(driver)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect failure")
	}
	if driver.closeCount != 1 {
		t.Fatalf("failed connect must close the driver, closeCount = %d", driver.closeCount)
	}
}
