// Package memory provides an in-process vector index. It backs local
// builds and the query CLI, and serializes to JSON so a build can ship it
// as an artifact next to the graph.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/arbor-rag/arbor/pkg/index"
)

type entry struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
}

// Index is an append-only in-memory vector index. Safe for concurrent use.
type Index struct {
	version string

	mu      sync.RWMutex
	entries map[index.Kind][]entry
	byID    map[index.Kind]map[string]int
}

// NewIndex creates an empty index for the given build version.
func NewIndex(version string) *Index {
	return &Index{
		version: version,
		entries: map[index.Kind][]entry{},
		byID:    map[index.Kind]map[string]int{},
	}
}

func (i *Index) Version() string {
	return i.version
}

// Add stores the embedding under the id. Re-adding an id replaces its
// embedding, so a rebuilt node does not leave a stale vector behind.
func (i *Index) Add(_ context.Context, kind index.Kind, id string, embedding []float32) error {
	if id == "" {
		return fmt.Errorf("index id is empty")
	}
	if len(embedding) == 0 {
		return fmt.Errorf("embedding for %s is empty", id)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.byID[kind] == nil {
		i.byID[kind] = map[string]int{}
	}
	if pos, ok := i.byID[kind][id]; ok {
		i.entries[kind][pos].Embedding = embedding
		return nil
	}
	i.byID[kind][id] = len(i.entries[kind])
	i.entries[kind] = append(i.entries[kind], entry{ID: id, Embedding: embedding})
	return nil
}

// Search returns up to limit hits with cosine similarity at or above the
// threshold, ordered by score descending and id ascending.
func (i *Index) Search(_ context.Context, kind index.Kind, embedding []float32, limit int, threshold float64) ([]index.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	var hits []index.Hit
	for _, e := range i.entries[kind] {
		score := cosine(embedding, e.Embedding)
		if score < threshold {
			continue
		}
		hits = append(hits, index.Hit{ID: e.ID, Score: score})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ID < hits[b].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type serialized struct {
	Version string                 `json:"version"`
	Entries map[index.Kind][]entry `json:"entries"`
}

// Serialize encodes the index as JSON.
func (i *Index) Serialize() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return json.Marshal(serialized{Version: i.version, Entries: i.entries})
}

// Load rebuilds an index from its serialized form.
func Load(data []byte) (*Index, error) {
	var s serialized
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}

	i := NewIndex(s.Version)
	for kind, entries := range s.Entries {
		for _, e := range entries {
			if err := i.Add(context.Background(), kind, e.ID, e.Embedding); err != nil {
				return nil, err
			}
		}
	}
	return i, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
