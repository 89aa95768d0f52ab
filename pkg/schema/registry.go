package schema

import (
	"sort"
	"sync"
)

// promotionThreshold is the number of distinct chunks that must propose a
// candidate type before it is added to the schema.
const promotionThreshold = 2

// Registry tracks schema types for one build run and admits candidate types
// proposed by the extractor. A candidate is promoted only after it recurs in
// at least two distinct chunks; until then references to it are violations.
//
// Registry is safe for concurrent use by parallel extraction workers.
type Registry struct {
	mu         sync.Mutex
	schema     Schema
	candidates map[Kind]map[string]map[string]struct{}
	promoted   []Promotion
}

// Promotion records a candidate type that cleared the recurrence threshold.
type Promotion struct {
	Kind Kind   `json:"kind"`
	Type string `json:"type"`
}

// NewRegistry creates a registry seeded with the given base schema.
func NewRegistry(base Schema) *Registry {
	return &Registry{
		schema: base.Clone(),
		candidates: map[Kind]map[string]map[string]struct{}{
			KindEntity:    {},
			KindRelation:  {},
			KindAttribute: {},
		},
	}
}

// Schema returns a snapshot of the current schema, including any promoted
// candidates.
func (r *Registry) Schema() Schema {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schema.Clone()
}

// Contains reports whether the type is currently part of the schema.
func (r *Registry) Contains(kind Kind, typeName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contains(kind, normalize(typeName))
}

// Propose registers a candidate type observed in the given chunk. It returns
// true when the type is part of the schema after the call, either because it
// already was or because this proposal promoted it.
func (r *Registry) Propose(kind Kind, typeName string, chunkID string) bool {
	t := normalize(typeName)
	if t == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contains(kind, t) {
		return true
	}

	seen, ok := r.candidates[kind][t]
	if !ok {
		seen = map[string]struct{}{}
		r.candidates[kind][t] = seen
	}
	seen[chunkID] = struct{}{}

	if len(seen) < promotionThreshold {
		return false
	}

	switch kind {
	case KindEntity:
		r.schema.Entities = append(r.schema.Entities, t)
	case KindRelation:
		r.schema.Relations = append(r.schema.Relations, t)
	case KindAttribute:
		r.schema.Attributes = append(r.schema.Attributes, t)
	default:
		return false
	}
	r.promoted = append(r.promoted, Promotion{Kind: kind, Type: t})
	delete(r.candidates[kind], t)
	return true
}

// Promotions returns the types promoted during this run, sorted for
// deterministic reporting.
func (r *Registry) Promotions() []Promotion {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Promotion, len(r.promoted))
	copy(out, r.promoted)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (r *Registry) contains(kind Kind, t string) bool {
	switch kind {
	case KindEntity:
		return r.schema.HasEntity(t)
	case KindRelation:
		return r.schema.HasRelation(t)
	case KindAttribute:
		return r.schema.HasAttribute(t)
	}
	return false
}
