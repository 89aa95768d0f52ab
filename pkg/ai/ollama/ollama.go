package ollama

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/arbor-rag/arbor/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// Client implements ai.Client using locally-hosted models behind an Ollama
// server. A weighted semaphore bounds concurrent requests so a parallel
// extraction run does not overload the server.
type Client struct {
	embeddingModel  string
	chatModel       string
	extractionModel string

	timeoutMin int
	reqLock    *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client

	Client *api.Client
}

// NewClientParams contains configuration options for creating a Client.
type NewClientParams struct {
	EmbeddingModel  string
	ChatModel       string
	ExtractionModel string

	BaseURL string
	ApiKey  string

	TimeoutMin            int
	MaxConcurrentRequests int64
}

// NewClient creates a new Ollama-backed AI client. It connects to the server
// at BaseURL (or the default if empty) and uses the configured models for the
// different operations.
func NewClient(params NewClientParams) (*Client, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	if params.TimeoutMin <= 0 {
		params.TimeoutMin = 10
	}
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 2
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.ApiKey,
			},
			rt: http.DefaultTransport,
		},
	}

	cli := api.NewClient(u, httpClient)

	return &Client{
		embeddingModel:  params.EmbeddingModel,
		chatModel:       params.ChatModel,
		extractionModel: params.ExtractionModel,

		timeoutMin: params.TimeoutMin,
		reqLock:    semaphore.NewWeighted(params.MaxConcurrentRequests),

		metricsLock: sync.Mutex{},
		metrics: ai.ModelMetrics{
			InputTokens:  0,
			OutputTokens: 0,
			TotalTokens:  0,
			DurationMs:   0,
		},

		baseURL:    u,
		apiKey:     params.ApiKey,
		httpClient: httpClient,

		Client: cli,
	}, nil
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}
