package knowledge_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perkell/syrinx/internal/knowledge"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if SYRINX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SYRINX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SYRINX_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [knowledge.Store] with an empty documents table.
func newTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect for cleanup: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS documents"); err != nil {
		t.Fatalf("drop documents table: %v", err)
	}

	store, err := knowledge.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStoreAddAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	docs := []knowledge.Document{
		{ID: "d1", Source: "manual", Content: "airlock procedures", Embedding: []float32{1, 0, 0, 0}},
		{ID: "d2", Source: "manual", Content: "reactor maintenance", Embedding: []float32{0, 1, 0, 0}},
		{ID: "d3", Source: "wiki", Content: "mess hall menu", Embedding: []float32{0, 0, 1, 0}},
	}
	for _, d := range docs {
		if err := store.Add(ctx, d); err != nil {
			t.Fatalf("Add(%s): %v", d.ID, err)
		}
	}

	results, err := store.Search(ctx, []float32{0.9, 0.1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Document.ID != "d1" {
		t.Errorf("nearest document = %s, want d1", results[0].Document.ID)
	}
	if results[0].Distance > results[1].Distance {
		t.Error("results not ordered by ascending distance")
	}
}

func TestStoreAddUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := knowledge.Document{ID: "d1", Content: "old text", Embedding: []float32{1, 0, 0, 0}}
	if err := store.Add(ctx, doc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	doc.Content = "new text"
	if err := store.Add(ctx, doc); err != nil {
		t.Fatalf("re-Add: %v", err)
	}

	results, err := store.Search(ctx, []float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Document.Content != "new text" {
		t.Errorf("upsert did not replace content: %+v", results)
	}
}

func TestStoreSearchEmptyIndex(t *testing.T) {
	store := newTestStore(t)

	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from an empty index", len(results))
	}
}
