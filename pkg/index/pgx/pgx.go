// Package pgx provides a Postgres-backed vector index using pgvector. It
// serves deployments where builds and queries run in different processes
// and the index must outlive both.
package pgx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/index"
)

// Index stores embeddings for one dataset in the embeddings table. Each
// row is scoped by dataset, build version and kind, so a rebuild replaces
// the dataset wholesale without touching other datasets.
type Index struct {
	pool    *pgxpool.Pool
	dataset string
	version string
}

type IndexParams struct {
	Pool    *pgxpool.Pool
	Dataset string
	Version string
}

// NewIndex creates the index and makes sure the embeddings table exists.
func NewIndex(ctx context.Context, params IndexParams) (*Index, error) {
	if params.Pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	if params.Dataset == "" {
		return nil, fmt.Errorf("dataset is required")
	}

	dims := int(util.GetEnvNumeric("AI_EMBED_DIM", 1024))
	_, err := params.Pool.Exec(ctx, fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS embeddings (
			dataset   TEXT NOT NULL,
			version   TEXT NOT NULL,
			kind      TEXT NOT NULL,
			ref_id    TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			PRIMARY KEY (dataset, kind, ref_id)
		);
	`, dims))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare embeddings table: %w", err)
	}

	return &Index{
		pool:    params.Pool,
		dataset: util.SanitizePostgresText(params.Dataset),
		version: params.Version,
	}, nil
}

func (i *Index) Version() string {
	return i.version
}

// Add upserts the embedding. A conflicting row from an earlier build is
// replaced and re-pinned to the current version.
func (i *Index) Add(ctx context.Context, kind index.Kind, id string, embedding []float32) error {
	if id == "" {
		return fmt.Errorf("index id is empty")
	}
	if len(embedding) == 0 {
		return fmt.Errorf("embedding for %s is empty", id)
	}

	_, err := i.pool.Exec(ctx, `
		INSERT INTO embeddings (dataset, version, kind, ref_id, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset, kind, ref_id)
		DO UPDATE SET embedding = EXCLUDED.embedding, version = EXCLUDED.version
	`, i.dataset, i.version, string(kind), id, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("failed to index %s %s: %w", kind, id, err)
	}
	return nil
}

// Search returns up to limit hits at or above the cosine similarity
// threshold, ordered by score descending and id ascending. Only rows of
// the pinned build version are considered.
func (i *Index) Search(ctx context.Context, kind index.Kind, embedding []float32, limit int, threshold float64) ([]index.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := i.pool.Query(ctx, `
		SELECT ref_id, 1 - (embedding <=> $1) AS score
		FROM embeddings
		WHERE dataset = $2 AND kind = $3 AND version = $4
		  AND 1 - (embedding <=> $1) >= $5
		ORDER BY score DESC, ref_id ASC
		LIMIT $6
	`, pgvector.NewVector(embedding), i.dataset, string(kind), i.version, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Prune drops the dataset's rows from earlier build versions. A rebuild
// calls this after the new build is persisted, so queries pinned to the
// previous version keep working until the new one is in place.
func (i *Index) Prune(ctx context.Context) error {
	_, err := i.pool.Exec(ctx, `DELETE FROM embeddings WHERE dataset = $1 AND version != $2`, i.dataset, i.version)
	if err != nil {
		return fmt.Errorf("failed to prune stale embeddings for %s: %w", i.dataset, err)
	}
	return nil
}
