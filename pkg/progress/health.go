package progress

import "github.com/arbor-rag/arbor/pkg/ai"

// Build status values, derived from coverage when the build finishes.
const (
	// StatusComplete means every chunk contributed to the graph.
	StatusComplete = "complete"
	// StatusPartial means some chunks were dropped but the graph has
	// usable structure.
	StatusPartial = "partial"
	// StatusNoCoverage means extraction produced no usable structure at
	// all; the dataset should not be queried.
	StatusNoCoverage = "no_coverage"
)

// Health summarizes how completely a build covered its input. It is
// persisted next to the graph so a consumer can judge whether the dataset
// is trustworthy before querying it.
type Health struct {
	Dataset string `json:"dataset"`
	Version string `json:"version"`
	Status  string `json:"status"`

	Documents       int `json:"documents"`
	Chunks          int `json:"chunks"`
	ChunksExtracted int `json:"chunks_extracted"`
	ChunksDropped   int `json:"chunks_dropped"`
	Nodes           int `json:"nodes"`
	Edges           int `json:"edges"`
	Communities     int `json:"communities"`
	PromotedTypes   int `json:"promoted_types"`

	// DurationMs is the wall time of the build, Tokens the model usage it
	// consumed.
	DurationMs int64           `json:"duration_ms"`
	Tokens     ai.ModelMetrics `json:"tokens"`

	Warnings []string `json:"warnings,omitempty"`
}

// Resolve derives the status from the coverage counters.
func (h *Health) Resolve() {
	switch {
	case h.ChunksExtracted == 0 || h.Edges == 0:
		h.Status = StatusNoCoverage
	case h.ChunksDropped > 0:
		h.Status = StatusPartial
	default:
		h.Status = StatusComplete
	}
}

// Complete reports whether every chunk contributed to the graph.
func (h Health) Complete() bool {
	return h.Status == StatusComplete
}
