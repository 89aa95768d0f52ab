// Package query answers questions over a built dataset. A question is
// decomposed into sub-questions, answered by iterative retrieval and
// reasoning rounds, and finished either with a grounded answer or a
// best-effort escalation once the round budget runs out.
package query

import (
	"errors"

	"github.com/arbor-rag/arbor/pkg/graph"
)

// State tracks where a retrieval run currently stands.
type State string

const (
	StatePlanned    State = "PLANNED"
	StateRetrieving State = "RETRIEVING"
	StateReasoning  State = "REASONING"
	StateDone       State = "DONE"
	StateEscalate   State = "ESCALATE"
)

// ErrNotConverged reports that the round budget ran out before the
// evidence sufficed. The answer returned alongside it is the best effort
// over the collected evidence.
var ErrNotConverged = errors.New("retrieval did not converge within the round budget")

// SubQuery is one unit of a question plan. DependsOn is the index of an
// earlier sub-query that must resolve first, or -1 for none.
type SubQuery struct {
	Question       string        `json:"question"`
	EntityTypes    []string      `json:"entity_types"`
	RelationTypes  []string      `json:"relation_types"`
	AttributeTypes []string      `json:"attribute_types"`
	Layers         []graph.Layer `json:"layers"`
	DependsOn      int           `json:"depends_on"`
}

// Plan is the decomposition of a question.
type Plan struct {
	Question   string     `json:"question"`
	SubQueries []SubQuery `json:"sub_queries"`
	// Fallback marks a plan that was synthesized because the model reply
	// could not be parsed.
	Fallback bool `json:"fallback,omitempty"`
}

// Evidence is what one retrieval round produced. Chunks holds the ids of
// the source chunks behind the passages, so the trace stays auditable back
// to the build.
type Evidence struct {
	Triples  []string `json:"triples"`
	Passages []string `json:"passages"`
	Digests  []string `json:"digests"`
	Chunks   []string `json:"chunks"`
}

// Merge folds other into e, dropping duplicates.
func (e *Evidence) Merge(other Evidence) {
	e.Triples = appendNew(e.Triples, other.Triples)
	e.Passages = appendNew(e.Passages, other.Passages)
	e.Digests = appendNew(e.Digests, other.Digests)
	e.Chunks = appendNew(e.Chunks, other.Chunks)
}

// Empty reports whether the evidence contains nothing at all.
func (e Evidence) Empty() bool {
	return len(e.Triples) == 0 && len(e.Passages) == 0 && len(e.Digests) == 0
}

// Step is one round of the answer loop as recorded in the trace.
type Step struct {
	Round    int      `json:"round"`
	Queries  []string `json:"queries"`
	Evidence Evidence `json:"evidence"`
	Thought  string   `json:"thought,omitempty"`
	State    State    `json:"state"`
}

// Trace records how an answer came to be.
type Trace struct {
	Plan  Plan   `json:"plan"`
	Steps []Step `json:"steps"`
	Final State  `json:"final"`
}

// Answer is the result of a question run.
type Answer struct {
	Question  string `json:"question"`
	Text      string `json:"text"`
	Escalated bool   `json:"escalated"`
	Trace     Trace  `json:"trace"`
}

func appendNew(dst, src []string) []string {
	seen := map[string]struct{}{}
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, s := range src {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}
