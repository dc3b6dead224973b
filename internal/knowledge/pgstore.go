package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Document is one knowledge base entry with its embedding vector.
type Document struct {
	ID        string
	Source    string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// DocumentResult pairs a document with its cosine distance to a query vector.
type DocumentResult struct {
	Document Document
	Distance float64
}

// Store is the PostgreSQL-backed knowledge base. Documents are stored with
// pgvector embeddings and retrieved by approximate nearest-neighbour search
// over an HNSW index.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// ddlDocuments returns the documents DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlDocuments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id          TEXT         PRIMARY KEY,
    source      TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_source
    ON documents (source);

CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and ensures the documents schema exists.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [Document.Embedding] values (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlDocuments(embeddingDimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Add upserts a pre-embedded document. An existing document with the same ID
// is completely replaced.
func (s *Store) Add(ctx context.Context, doc Document) error {
	const q = `
		INSERT INTO documents (id, source, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    source     = EXCLUDED.source,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, q,
		doc.ID,
		doc.Source,
		doc.Content,
		pgvector.NewVector(doc.Embedding),
		created,
	)
	if err != nil {
		return fmt.Errorf("knowledge store: add document: %w", err)
	}
	return nil
}

// Search returns the topK documents closest (cosine distance) to the query
// embedding, most similar first.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int) ([]DocumentResult, error) {
	const q = `
		SELECT id, source, content, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   documents
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DocumentResult, error) {
		var (
			dr  DocumentResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&dr.Document.ID,
			&dr.Document.Source,
			&dr.Document.Content,
			&vec,
			&dr.Document.CreatedAt,
			&dr.Distance,
		); err != nil {
			return DocumentResult{}, err
		}
		dr.Document.Embedding = vec.Slice()
		return dr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: scan rows: %w", err)
	}
	if results == nil {
		results = []DocumentResult{}
	}
	return results, nil
}
