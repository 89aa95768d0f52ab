package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/ai"
	"github.com/arbor-rag/arbor/pkg/chunk"
	"github.com/arbor-rag/arbor/pkg/index"
	"github.com/arbor-rag/arbor/pkg/logger"
	"github.com/arbor-rag/arbor/pkg/progress"
	"github.com/arbor-rag/arbor/pkg/schema"
	"github.com/arbor-rag/arbor/pkg/store"
)

const embedBatchSize = 64

// Document is one input text of a dataset build.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Builder runs the full construction pipeline for one dataset: chunking,
// schema-constrained extraction, embedding, indexing, community detection
// and artifact persistence.
//
// Chunk and node ids derive from content, so rebuilding the same input
// produces the same graph under a fresh version.
type Builder struct {
	client       ai.Client
	chunker      *chunk.Chunker
	baseSchema   schema.Schema
	structWeight float64
	threshold    float64
	newIndex     func(version string) (index.Index, error)
	artifacts    store.ArtifactStore
	emitter      progress.Emitter
	concurrency  int
}

type BuilderParams struct {
	Client  ai.Client
	Chunker *chunk.Chunker
	// Schema seeds the registry. Zero value falls back to schema.Default.
	Schema schema.Schema
	// StructWeight and Threshold configure community detection. Zero
	// values fall back to the package defaults.
	StructWeight float64
	Threshold    float64
	// NewIndex creates the vector index for a build version. Defaults to
	// nothing; a builder without an index factory fails.
	NewIndex func(version string) (index.Index, error)
	// Artifacts may be nil; the build result is then only returned, not
	// persisted.
	Artifacts store.ArtifactStore
	// Emitter may be nil; events are then dropped.
	Emitter     progress.Emitter
	Concurrency int
}

func NewBuilder(params BuilderParams) (*Builder, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if params.Chunker == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if params.NewIndex == nil {
		return nil, fmt.Errorf("index factory is required")
	}

	baseSchema := params.Schema
	if baseSchema.Validate() != nil {
		baseSchema = schema.Default()
	}
	structWeight := params.StructWeight
	if structWeight == 0 {
		structWeight = DefaultStructWeight
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	var emitter progress.Emitter = params.Emitter
	if emitter == nil {
		emitter = progress.Discard{}
	}

	return &Builder{
		client:       params.Client,
		chunker:      params.Chunker,
		baseSchema:   baseSchema,
		structWeight: structWeight,
		threshold:    params.Threshold,
		newIndex:     params.NewIndex,
		artifacts:    params.Artifacts,
		emitter:      emitter,
		concurrency:  concurrency,
	}, nil
}

// BuildResult holds the artifacts of one completed build.
type BuildResult struct {
	Version string
	Store   *Store
	Index   index.Index
	Chunks  []chunk.Chunk
	Schema  schema.Schema
	Health  progress.Health
}

// Build constructs the knowledge tree for the dataset. Chunks whose
// extraction stays unparseable are dropped and reported in the health
// record; only cancellation and persistence failures abort the build.
func (b *Builder) Build(ctx context.Context, dataset string, docs []Document) (*BuildResult, error) {
	version, err := gonanoid.New(12)
	if err != nil {
		return nil, fmt.Errorf("failed to create build version: %w", err)
	}

	start := time.Now()
	startTokens := b.client.GetMetrics()
	health := progress.Health{Dataset: dataset, Version: version, Documents: len(docs)}
	emit := func(phase progress.Phase, processed, total int, warning string) {
		b.emitter.Emit(progress.Event{
			Dataset:   dataset,
			Version:   version,
			Phase:     phase,
			Processed: processed,
			Total:     total,
			Warning:   warning,
		})
	}

	emit(progress.PhaseChunking, 0, len(docs), "")
	var chunks []chunk.Chunk
	for i, doc := range docs {
		cs, err := b.chunker.Split(doc.ID, doc.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to chunk document %s: %w", doc.ID, err)
		}
		chunks = append(chunks, cs...)
		emit(progress.PhaseChunking, i+1, len(docs), "")
	}
	health.Chunks = len(chunks)

	graphStore := NewStore(version)
	registry := schema.NewRegistry(b.baseSchema)
	extractor := NewExtractor(ExtractorParams{Client: b.client, Registry: registry})

	emit(progress.PhaseExtracting, 0, len(chunks), "")
	if err := b.extract(ctx, extractor, graphStore, chunks, &health, emit); err != nil {
		emit(progress.PhaseFailed, 0, 0, err.Error())
		return nil, err
	}

	idx, err := b.newIndex(version)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	emit(progress.PhaseEmbedding, 0, 0, "")
	if err := b.embed(ctx, graphStore, idx, chunks, &health, emit); err != nil {
		emit(progress.PhaseFailed, 0, 0, err.Error())
		return nil, err
	}

	emit(progress.PhaseCommunities, 0, 0, "")
	detector := NewDetector(DetectorParams{
		Client:       b.client,
		StructWeight: b.structWeight,
		Threshold:    b.threshold,
	})
	communities, err := detector.Detect(ctx, graphStore)
	if err != nil {
		emit(progress.PhaseFailed, 0, 0, err.Error())
		return nil, err
	}
	if len(communities) > 0 {
		if err := graphStore.SetCommunities(communities); err != nil {
			return nil, fmt.Errorf("community detection produced an invalid tree: %w", err)
		}
	}

	snapshot := graphStore.Snapshot()
	health.Nodes = len(snapshot.Nodes)
	health.Edges = len(snapshot.Edges)
	health.Communities = len(snapshot.Communities)
	health.PromotedTypes = len(registry.Promotions())
	health.DurationMs = time.Since(start).Milliseconds()
	health.Tokens = tokenDelta(startTokens, b.client.GetMetrics())
	health.Resolve()

	result := &BuildResult{
		Version: version,
		Store:   graphStore,
		Index:   idx,
		Chunks:  chunks,
		Schema:  registry.Schema(),
		Health:  health,
	}

	if b.artifacts != nil {
		emit(progress.PhasePersisting, 0, 0, "")
		if err := b.persist(ctx, dataset, result); err != nil {
			emit(progress.PhaseFailed, 0, 0, err.Error())
			return nil, err
		}
	}

	emit(progress.PhaseDone, len(chunks), len(chunks), "")
	return result, nil
}

// tokenDelta isolates this build's usage from the client's accumulated
// metrics, so concurrent earlier builds on the same client do not inflate
// the health record.
func tokenDelta(before, after ai.ModelMetrics) ai.ModelMetrics {
	return ai.ModelMetrics{
		InputTokens:    after.InputTokens - before.InputTokens,
		OutputTokens:   after.OutputTokens - before.OutputTokens,
		TotalTokens:    after.TotalTokens - before.TotalTokens,
		DurationMs:     after.DurationMs - before.DurationMs,
		TokenPerSecond: after.TokenPerSecond,
	}
}

// extract runs extraction over all chunks with bounded parallelism and
// merges the fragments into the store.
func (b *Builder) extract(
	ctx context.Context,
	extractor *Extractor,
	graphStore *Store,
	chunks []chunk.Chunk,
	health *progress.Health,
	emit func(progress.Phase, int, int, string),
) error {
	var mu sync.Mutex
	processed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, c := range chunks {
		g.Go(func() error {
			frag, err := extractor.Extract(gctx, c)

			mu.Lock()
			defer mu.Unlock()
			processed++

			if err != nil {
				var parseErr *ParseError
				if errors.As(err, &parseErr) {
					health.ChunksDropped++
					health.Warnings = append(health.Warnings, parseErr.Error())
					emit(progress.PhaseExtracting, processed, len(chunks), parseErr.Error())
					return nil
				}
				return err
			}

			for _, n := range frag.Nodes {
				if _, err := graphStore.UpsertNode(n); err != nil {
					return err
				}
			}
			for _, e := range frag.Edges {
				if err := graphStore.UpsertEdge(e); err != nil {
					return err
				}
			}
			health.ChunksExtracted++
			health.Warnings = append(health.Warnings, frag.Warnings...)
			emit(progress.PhaseExtracting, processed, len(chunks), "")
			return nil
		})
	}
	return g.Wait()
}

// embed computes embeddings for chunk texts and node labels and feeds the
// dual index. A failed batch costs its vectors, not the build.
func (b *Builder) embed(
	ctx context.Context,
	graphStore *Store,
	idx index.Index,
	chunks []chunk.Chunk,
	health *progress.Health,
	emit func(progress.Phase, int, int, string),
) error {
	chunkIDs := make([]string, len(chunks))
	chunkInputs := make([][]byte, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
		chunkInputs[i] = []byte(c.Text)
	}
	if err := b.embedInto(ctx, idx, index.KindChunk, chunkIDs, chunkInputs, nil, health); err != nil {
		return err
	}

	emit(progress.PhaseIndexing, 0, 0, "")
	nodes := graphStore.Nodes(LayerEntity, LayerKeyword, LayerAttribute)
	nodeIDs := make([]string, len(nodes))
	nodeInputs := make([][]byte, len(nodes))
	for i, n := range nodes {
		nodeIDs[i] = n.ID
		nodeInputs[i] = []byte(n.Label)
	}
	return b.embedInto(ctx, idx, index.KindNode, nodeIDs, nodeInputs, graphStore, health)
}

func (b *Builder) embedInto(
	ctx context.Context,
	idx index.Index,
	kind index.Kind,
	ids []string,
	inputs [][]byte,
	graphStore *Store,
	health *progress.Health,
) error {
	for start := 0; start < len(ids); start += embedBatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := min(start+embedBatchSize, len(ids))

		batch := inputs[start:end]
		embeddings, err := util.RetryWithContext(ctx, 2, func(ctx context.Context) ([][]float32, error) {
			return b.client.GenerateEmbeddings(ctx, batch)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			warning := (&ServiceError{Op: fmt.Sprintf("embed %s batch", kind), Err: err}).Error()
			health.Warnings = append(health.Warnings, warning)
			logger.Warn("embedding batch failed", "kind", kind, "error", err)
			continue
		}

		for i, emb := range embeddings {
			id := ids[start+i]
			if err := idx.Add(ctx, kind, id, emb); err != nil {
				return err
			}
			if graphStore != nil {
				if n, ok := graphStore.Node(id); ok {
					n.Embedding = emb
					if _, err := graphStore.UpsertNode(n); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (b *Builder) persist(ctx context.Context, dataset string, result *BuildResult) error {
	graphData, err := result.Store.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize graph: %w", err)
	}
	if err := b.artifacts.Put(ctx, store.GraphKey(dataset), graphData); err != nil {
		return err
	}

	if s, ok := result.Index.(interface{ Serialize() ([]byte, error) }); ok {
		indexData, err := s.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize index: %w", err)
		}
		if err := b.artifacts.Put(ctx, store.IndexKey(dataset), indexData); err != nil {
			return err
		}
	}

	chunkData, err := json.Marshal(result.Chunks)
	if err != nil {
		return fmt.Errorf("failed to serialize chunks: %w", err)
	}
	if err := b.artifacts.Put(ctx, store.ChunksKey(dataset), chunkData); err != nil {
		return err
	}

	schemaData, err := json.Marshal(result.Schema)
	if err != nil {
		return fmt.Errorf("failed to serialize schema: %w", err)
	}
	if err := b.artifacts.Put(ctx, store.SchemaKey(dataset), schemaData); err != nil {
		return err
	}

	healthData, err := json.Marshal(result.Health)
	if err != nil {
		return fmt.Errorf("failed to serialize health record: %w", err)
	}
	return b.artifacts.Put(ctx, store.HealthKey(dataset), healthData)
}
