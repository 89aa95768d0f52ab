package query

import (
	"context"
	"fmt"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/ai"
	"github.com/arbor-rag/arbor/pkg/chunk"
	"github.com/arbor-rag/arbor/pkg/graph"
	"github.com/arbor-rag/arbor/pkg/index"
)

const (
	// DefaultTopK bounds how many hits each index search contributes.
	DefaultTopK = 5
	// DefaultSimilarityThreshold filters weak index hits.
	DefaultSimilarityThreshold = 0.55
)

// Retriever resolves sub-queries against one pinned build: the graph
// snapshot, the vector index and the chunk texts of a single version.
type Retriever struct {
	store     *graph.Store
	idx       index.Index
	client    ai.Client
	chunkText map[string]string
	topK      int
	threshold float64
}

type RetrieverParams struct {
	Store  *graph.Store
	Index  index.Index
	Client ai.Client
	Chunks []chunk.Chunk
	// TopK defaults to DefaultTopK, Threshold to
	// DefaultSimilarityThreshold.
	TopK      int
	Threshold float64
}

// NewRetriever pins a retriever to one build. A graph and index from
// different builds are refused with a ConsistencyError.
func NewRetriever(params RetrieverParams) (*Retriever, error) {
	if params.Store == nil || params.Index == nil {
		return nil, fmt.Errorf("graph store and index are required")
	}
	if params.Store.Version() != params.Index.Version() {
		return nil, &graph.ConsistencyError{
			GraphVersion: params.Store.Version(),
			IndexVersion: params.Index.Version(),
		}
	}

	topK := params.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	threshold := params.Threshold
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}

	chunkText := make(map[string]string, len(params.Chunks))
	for _, c := range params.Chunks {
		chunkText[c.ID] = c.Text
	}

	return &Retriever{
		store:     params.Store,
		idx:       params.Index,
		client:    params.Client,
		chunkText: chunkText,
		topK:      topK,
		threshold: threshold,
	}, nil
}

// Retrieve collects evidence for one sub-query: triples around the best
// matching nodes, the best matching passages, and community digests where
// the sub-query asks for the community layer.
func (r *Retriever) Retrieve(ctx context.Context, sq SubQuery) (Evidence, error) {
	embedding, err := util.RetryWithContext(ctx, 2, func(ctx context.Context) ([]float32, error) {
		return r.client.GenerateEmbedding(ctx, []byte(sq.Question))
	})
	if err != nil {
		return Evidence{}, &graph.ServiceError{Op: "embed sub-query", Err: err}
	}

	var evidence Evidence

	nodeHits, err := r.idx.Search(ctx, index.KindNode, embedding, r.topK, r.threshold)
	if err != nil {
		return Evidence{}, &graph.ServiceError{Op: "search node index", Err: err}
	}
	for _, hit := range nodeHits {
		node, ok := r.store.Node(hit.ID)
		if !ok || !layerWanted(sq.Layers, node.Layer) {
			continue
		}
		evidence.Triples = appendNew(evidence.Triples, r.triplesAround(node))
		if layerWanted(sq.Layers, graph.LayerCommunity) {
			evidence.Digests = appendNew(evidence.Digests, r.digestsFor(node))
		}
	}

	chunkHits, err := r.idx.Search(ctx, index.KindChunk, embedding, r.topK, r.threshold)
	if err != nil {
		return Evidence{}, &graph.ServiceError{Op: "search chunk index", Err: err}
	}
	for _, hit := range chunkHits {
		if text, ok := r.chunkText[hit.ID]; ok {
			evidence.Passages = appendNew(evidence.Passages, []string{text})
			evidence.Chunks = appendNew(evidence.Chunks, []string{hit.ID})
		}
	}

	return evidence, nil
}

// triplesAround renders the edges touching the node, following keyword
// and attribute nodes one hop into the entity layer so an entry point in
// a side layer still surfaces entity facts.
func (r *Retriever) triplesAround(node graph.Node) []string {
	var triples []string
	render := func(n graph.Node) {
		for _, e := range r.store.EdgesOf(n.ID) {
			src, srcOK := r.store.Node(e.Source)
			tgt, tgtOK := r.store.Node(e.Target)
			if !srcOK || !tgtOK {
				continue
			}
			triples = append(triples, fmt.Sprintf("(%s, %s, %s)", src.Label, e.Relation, tgt.Label))
		}
	}

	render(node)
	if node.Layer == graph.LayerKeyword || node.Layer == graph.LayerAttribute {
		for _, neighbor := range r.store.Neighbors(node.ID, []graph.Layer{graph.LayerEntity}, 1) {
			render(neighbor)
		}
	}
	return triples
}

// digestsFor returns the leaf community summary covering the node, when
// one exists.
func (r *Retriever) digestsFor(node graph.Node) []string {
	entityID := node.ID
	if node.Layer != graph.LayerEntity {
		neighbors := r.store.Neighbors(node.ID, []graph.Layer{graph.LayerEntity}, 1)
		if len(neighbors) == 0 {
			return nil
		}
		entityID = neighbors[0].ID
	}

	community, ok := r.store.CommunityOf(entityID)
	if !ok || community.Summary == "" {
		return nil
	}
	return []string{community.Summary}
}

func layerWanted(layers []graph.Layer, l graph.Layer) bool {
	if len(layers) == 0 {
		return true
	}
	for _, x := range layers {
		if x == l {
			return true
		}
	}
	return false
}
