package openai

import (
	"sync"

	"github.com/arbor-rag/arbor/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// Client implements ai.Client against any OpenAI-compatible API. It manages
// separate underlying clients for embeddings and chat so the two can point at
// different endpoints.
//
// A Client should be created using NewClient.
type Client struct {
	embeddingModel  string
	chatModel       string
	extractionModel string

	embeddingURL string
	embeddingKey string
	chatURL      string
	chatKey      string

	timeoutMin    int
	embeddingLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewClientParams defines the configuration for creating a Client.
//
// EmbeddingModel is used for vector embeddings, ChatModel for free-form
// generation and ExtractionModel for schema-constrained extraction.
// EmbeddingURL/EmbeddingKey and ChatURL/ChatKey configure the two endpoints
// independently.
type NewClientParams struct {
	EmbeddingModel  string
	ChatModel       string
	ExtractionModel string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	TimeoutMin              int
	MaxConcurrentEmbeddings int64
}

// NewClient creates a Client configured with the provided parameters.
//
// Example:
//
//	client := openai.NewClient(openai.NewClientParams{
//		EmbeddingModel:  "text-embedding-3-small",
//		ChatModel:       "gpt-4o-mini",
//		ExtractionModel: "gpt-4o-mini",
//		ChatKey:         os.Getenv("OPENAI_API_KEY"),
//		EmbeddingKey:    os.Getenv("OPENAI_API_KEY"),
//	})
func NewClient(params NewClientParams) *Client {
	chatClient := newOpenaiClient(params.ChatURL, params.ChatKey)
	embedClient := newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey)

	if params.TimeoutMin <= 0 {
		params.TimeoutMin = 10
	}
	if params.MaxConcurrentEmbeddings <= 0 {
		params.MaxConcurrentEmbeddings = 4
	}

	return &Client{
		embeddingModel:  params.EmbeddingModel,
		chatModel:       params.ChatModel,
		extractionModel: params.ExtractionModel,

		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,
		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,

		timeoutMin:    params.TimeoutMin,
		embeddingLock: semaphore.NewWeighted(params.MaxConcurrentEmbeddings),

		metricsLock: sync.Mutex{},
		metrics: ai.ModelMetrics{
			InputTokens:  0,
			OutputTokens: 0,
			TotalTokens:  0,
			DurationMs:   0,
		},

		ChatClient:      chatClient,
		EmbeddingClient: embedClient,
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
