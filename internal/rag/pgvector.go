package rag

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// ddlChunks creates the durable chunk table. The vector column dimension is
// fixed per deployment by the embedding model, so it is interpolated at
// migration time.
const ddlChunks = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_chunk (
    id         BIGSERIAL   PRIMARY KEY,
    scope_key  TEXT        NOT NULL,
    ord        INT         NOT NULL,
    content    TEXT        NOT NULL,
    embedding  vector(%d)  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rag_chunk_scope
    ON rag_chunk (scope_key, ord);

CREATE INDEX IF NOT EXISTS idx_rag_chunk_embedding
    ON rag_chunk USING hnsw (embedding vector_cosine_ops);
`

// DurableIndex stores chunks in a PostgreSQL table with a pgvector HNSW
// index, replacing in-memory indices and snapshots. All methods are safe for
// concurrent use.
type DurableIndex struct {
	pool *pgxpool.Pool
}

// NewDurableIndex ensures the chunk table exists for the given embedding
// dimensionality and returns the index.
func NewDurableIndex(ctx context.Context, pool *pgxpool.Pool, dimensions int) (*DurableIndex, error) {
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlChunks, dimensions)); err != nil {
		return nil, fmt.Errorf("rag: migrate chunk table: %w", err)
	}
	return &DurableIndex{pool: pool}, nil
}

// Replace swaps the scope's stored chunks for the given set in one
// transaction, so concurrent searches see either the old corpus or the new
// one.
func (d *DurableIndex) Replace(ctx context.Context, scopeKey string, chunks []Chunk) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rag: begin replace: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM rag_chunk WHERE scope_key = $1`, scopeKey); err != nil {
		return fmt.Errorf("rag: clear scope %q: %w", scopeKey, err)
	}

	const ins = `INSERT INTO rag_chunk (scope_key, ord, content, embedding) VALUES ($1, $2, $3, $4)`
	for i, ch := range chunks {
		if _, err := tx.Exec(ctx, ins, scopeKey, i, ch.Text, pgvector.NewVector(ch.Vector)); err != nil {
			return fmt.Errorf("rag: insert chunk %d for %q: %w", i, scopeKey, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rag: commit replace: %w", err)
	}
	return nil
}

// Search returns the topK chunks in the scope closest to query by cosine
// distance, most similar first.
func (d *DurableIndex) Search(ctx context.Context, scopeKey string, query []float32, topK int) ([]Hit, error) {
	const q = `
		SELECT content, 1 - (embedding <=> $2) AS score
		FROM   rag_chunk
		WHERE  scope_key = $1
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := d.pool.Query(ctx, q, scopeKey, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, fmt.Errorf("rag: search scope %q: %w", scopeKey, err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		err := row.Scan(&h.Text, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("rag: scan hits: %w", err)
	}
	for i := range hits {
		hits[i].Rank = i
	}
	return hits, nil
}

// Scopes returns the distinct scope keys present in the table.
func (d *DurableIndex) Scopes(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT DISTINCT scope_key FROM rag_chunk ORDER BY scope_key`)
	if err != nil {
		return nil, fmt.Errorf("rag: list scopes: %w", err)
	}
	scopes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("rag: scan scopes: %w", err)
	}
	return scopes, nil
}
