package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/ai"
	oai "github.com/arbor-rag/arbor/pkg/ai/ollama"
	gai "github.com/arbor-rag/arbor/pkg/ai/openai"
	"github.com/arbor-rag/arbor/pkg/chunk"
	"github.com/arbor-rag/arbor/pkg/graph"
	"github.com/arbor-rag/arbor/pkg/index/memory"
	"github.com/arbor-rag/arbor/pkg/logger"
	"github.com/arbor-rag/arbor/pkg/logger/console"
	"github.com/arbor-rag/arbor/pkg/query"
	"github.com/arbor-rag/arbor/pkg/schema"
	"github.com/arbor-rag/arbor/pkg/store"
	storefs "github.com/arbor-rag/arbor/pkg/store/fs"
	stores3 "github.com/arbor-rag/arbor/pkg/store/s3"
)

func main() {
	util.LoadEnv()

	dataset := flag.String("dataset", "", "dataset to query")
	showTrace := flag.Bool("trace", false, "print the full retrieval trace")
	flag.Parse()

	if *dataset == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: query -dataset <name> [-trace] <question>")
		os.Exit(2)
	}
	question := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	})
	logger.Init(consoleLogger)

	artifacts := newArtifactStore(ctx)
	aiClient := newAIClient()

	loop, err := loadLoop(ctx, artifacts, aiClient, *dataset)
	if err != nil {
		logger.Fatal("Could not load dataset", "dataset", *dataset, "err", err)
	}

	answer, err := loop.Answer(ctx, question)
	if err != nil && !errors.Is(err, query.ErrNotConverged) {
		logger.Fatal("Query failed", "err", err)
	}

	fmt.Println(answer.Text)
	if answer.Escalated {
		fmt.Println("\n(answered from partial evidence, retrieval did not converge)")
	}
	if *showTrace {
		trace, err := json.MarshalIndent(answer.Trace, "", "  ")
		if err != nil {
			logger.Fatal("Could not render trace", "err", err)
		}
		fmt.Println(string(trace))
	}
}

func newArtifactStore(ctx context.Context) store.ArtifactStore {
	switch util.GetEnvString("ARTIFACT_STORE", "fs") {
	case "s3":
		s3Store, err := stores3.NewStore(ctx)
		if err != nil {
			logger.Fatal("Could not create S3 artifact store", "err", err)
		}
		return s3Store
	default:
		fsStore, err := storefs.NewStore(util.GetEnvString("ARTIFACT_DIR", "./data"))
		if err != nil {
			logger.Fatal("Could not create filesystem artifact store", "err", err)
		}
		return fsStore
	}
}

func newAIClient() ai.Client {
	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		client, err := oai.NewClient(oai.NewClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:       util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewClient(gai.NewClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:       util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}
}

// loadLoop assembles the answer loop from the persisted artifacts of one
// build: graph, index, chunks and schema.
func loadLoop(ctx context.Context, artifacts store.ArtifactStore, aiClient ai.Client, dataset string) (*query.Loop, error) {
	graphData, err := artifacts.Get(ctx, store.GraphKey(dataset))
	if err != nil {
		return nil, err
	}
	graphStore, err := graph.Load(graphData)
	if err != nil {
		return nil, err
	}

	indexData, err := artifacts.Get(ctx, store.IndexKey(dataset))
	if err != nil {
		return nil, err
	}
	idx, err := memory.Load(indexData)
	if err != nil {
		return nil, err
	}

	chunkData, err := artifacts.Get(ctx, store.ChunksKey(dataset))
	if err != nil {
		return nil, err
	}
	var chunks []chunk.Chunk
	if err := json.Unmarshal(chunkData, &chunks); err != nil {
		return nil, fmt.Errorf("failed to decode chunks: %w", err)
	}

	schemaData, err := artifacts.Get(ctx, store.SchemaKey(dataset))
	if err != nil {
		return nil, err
	}
	datasetSchema, err := schema.Parse(schemaData)
	if err != nil {
		return nil, err
	}

	retriever, err := query.NewRetriever(query.RetrieverParams{
		Store:     graphStore,
		Index:     idx,
		Client:    aiClient,
		Chunks:    chunks,
		TopK:      int(util.GetEnvNumeric("QUERY_TOP_K", query.DefaultTopK)),
		Threshold: util.GetEnvNumeric("QUERY_THRESHOLD", 0),
	})
	if err != nil {
		return nil, err
	}

	return query.NewLoop(query.LoopParams{
		Decomposer: query.NewDecomposer(aiClient, datasetSchema),
		Retriever:  retriever,
		Client:     aiClient,
		MaxSteps:   int(util.GetEnvNumeric("QUERY_MAX_STEPS", query.DefaultMaxSteps)),
		Thinking:   util.GetEnv("AI_CHAT_THINKING"),
	})
}
