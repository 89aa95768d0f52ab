// Package store persists build artifacts: the serialized graph, the
// vector index, the extended schema and the health record of a dataset.
package store

import (
	"context"
	"errors"
	"path"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore is a flat key-value store for build artifacts. Keys use
// forward slashes regardless of backend.
type ArtifactStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key under the prefix. Deleting a dataset
	// removes all of its artifacts in one call.
	DeletePrefix(ctx context.Context, prefix string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// DatasetPrefix is the key prefix holding all artifacts of a dataset.
func DatasetPrefix(dataset string) string {
	return path.Join("datasets", dataset)
}

// GraphKey is the key of the serialized knowledge graph.
func GraphKey(dataset string) string {
	return path.Join(DatasetPrefix(dataset), "graph.json")
}

// IndexKey is the key of the serialized vector index.
func IndexKey(dataset string) string {
	return path.Join(DatasetPrefix(dataset), "index.json")
}

// ChunksKey is the key of the chunk texts, kept for passage retrieval.
func ChunksKey(dataset string) string {
	return path.Join(DatasetPrefix(dataset), "chunks.json")
}

// SchemaKey is the key of the schema including promoted types.
func SchemaKey(dataset string) string {
	return path.Join(DatasetPrefix(dataset), "schema.json")
}

// HealthKey is the key of the build health record.
func HealthKey(dataset string) string {
	return path.Join(DatasetPrefix(dataset), "health.json")
}
