package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/ai"
	"github.com/arbor-rag/arbor/pkg/chunk"
	"github.com/arbor-rag/arbor/pkg/graph"
	"github.com/arbor-rag/arbor/pkg/index"
	"github.com/arbor-rag/arbor/pkg/index/memory"
	pgxindex "github.com/arbor-rag/arbor/pkg/index/pgx"
	"github.com/arbor-rag/arbor/pkg/leaselock"
	"github.com/arbor-rag/arbor/pkg/logger"
	"github.com/arbor-rag/arbor/pkg/progress"
	"github.com/arbor-rag/arbor/pkg/schema"
	"github.com/arbor-rag/arbor/pkg/store"
)

// BuildMsg asks a worker to (re)build a dataset. Schema is optional; a
// missing schema falls back to the general purpose default.
type BuildMsg struct {
	Dataset   string           `json:"dataset"`
	Documents []graph.Document `json:"documents"`
	Schema    json.RawMessage  `json:"schema,omitempty"`
}

// ProcessBuildMessage runs one dataset build under a per-dataset lease,
// so concurrent build and delete messages for the same dataset serialize
// across workers.
func ProcessBuildMessage(
	ctx context.Context,
	artifacts store.ArtifactStore,
	aiClient ai.Client,
	ch *amqp091.Channel,
	pool *pgxpool.Pool,
	msg string,
) error {
	data := new(BuildMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("failed to decode build message: %w", err)
	}
	if data.Dataset == "" {
		return fmt.Errorf("build message has no dataset")
	}

	baseSchema := schema.Default()
	if len(data.Schema) > 0 {
		parsed, err := schema.Parse(data.Schema)
		if err != nil {
			return fmt.Errorf("build message carries an invalid schema: %w", err)
		}
		baseSchema = parsed
	}

	chunker, err := chunk.NewChunker(chunk.ChunkerParams{
		Encoder:          util.GetEnvString("AI_TOKEN_ENCODER", "o200k_base"),
		MaxTokens:        int(util.GetEnvNumeric("CHUNK_MAX_TOKENS", 512)),
		OverlapSentences: int(util.GetEnvNumeric("CHUNK_OVERLAP_SENTENCES", 0)),
	})
	if err != nil {
		return err
	}

	newIndex := func(version string) (index.Index, error) {
		if pool == nil {
			return memory.NewIndex(version), nil
		}
		return pgxindex.NewIndex(ctx, pgxindex.IndexParams{
			Pool:    pool,
			Dataset: data.Dataset,
			Version: version,
		})
	}

	builder, err := graph.NewBuilder(graph.BuilderParams{
		Client:       aiClient,
		Chunker:      chunker,
		Schema:       baseSchema,
		StructWeight: util.GetEnvNumeric("COMMUNITY_STRUCT_WEIGHT", 0),
		Threshold:    util.GetEnvNumeric("COMMUNITY_THRESHOLD", 0),
		NewIndex:     newIndex,
		Artifacts:    artifacts,
		Emitter:      progress.Multi(progress.LogEmitter{}, NewProgressPublisher(ch)),
		Concurrency:  int(util.GetEnvNumeric("BUILD_CONCURRENCY", 4)),
	})
	if err != nil {
		return err
	}

	run := func(buildCtx context.Context) error {
		start := time.Now()
		result, err := builder.Build(buildCtx, data.Dataset, data.Documents)
		if err != nil {
			return err
		}
		// drop rows of earlier versions only once the new build is fully
		// persisted; queries pinned to the old version stay valid until then
		if pgIdx, ok := result.Index.(*pgxindex.Index); ok {
			if err := pgIdx.Prune(buildCtx); err != nil {
				logger.Warn("[Queue] Failed to prune stale index rows", "dataset", data.Dataset, "error", err)
			}
		}
		logger.Info("[Queue] Build completed",
			"dataset", data.Dataset,
			"version", result.Version,
			"status", result.Health.Status,
			"nodes", result.Health.Nodes,
			"edges", result.Health.Edges,
			"communities", result.Health.Communities,
			"dropped_chunks", result.Health.ChunksDropped,
			"duration_sec", time.Since(start).Seconds(),
		)
		return nil
	}

	if pool == nil {
		return run(ctx)
	}

	lockClient, err := leaselock.New(ctx, pool)
	if err != nil {
		return err
	}
	return lockClient.WithLease(ctx, leaselock.BuildKey(data.Dataset), leaselock.Options{
		TTL:         10 * time.Minute,
		RenewEvery:  4 * time.Minute,
		Wait:        true,
		TokenPrefix: fmt.Sprintf("build/%s/", data.Dataset),
	}, run)
}
