// Package index defines the dual vector index over a dataset build: one
// side for chunk texts, one for graph nodes. Both sides are pinned to the
// build version of the graph they were produced with.
package index

import "context"

// Kind selects one side of the dual index.
type Kind string

const (
	// KindChunk indexes chunk texts for passage retrieval.
	KindChunk Kind = "chunk"
	// KindNode indexes node labels for entry point retrieval.
	KindNode Kind = "node"
)

// Hit is a single search result. Score is cosine similarity in [-1, 1].
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Index stores embeddings and answers similarity queries. Results are
// deterministic: hits come back ordered by score descending, id ascending,
// and never below the caller's threshold.
type Index interface {
	Add(ctx context.Context, kind Kind, id string, embedding []float32) error
	Search(ctx context.Context, kind Kind, embedding []float32, limit int, threshold float64) ([]Hit, error)

	// Version is the graph build this index belongs to. A retrieval run
	// must refuse to combine an index and a graph with different versions.
	Version() string
}
