package ollama

import (
	"context"
	"strings"
	"time"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/ai"

	"github.com/ollama/ollama/api"
)

const defaultDimensions = 1024

// GenerateEmbedding creates a vector embedding for the given input text
// using the configured embedding model on Ollama.
//
// Empty input yields a zero vector without hitting the server. The result is
// truncated or zero-padded to AI_EMBED_DIM.
func (c *Client) GenerateEmbedding(
	ctx context.Context,
	input []byte,
) ([]float32, error) {
	dim := int(util.GetEnvNumeric("AI_EMBED_DIM", defaultDimensions))
	if len(input) == 0 || len(strings.TrimSpace(string(input))) == 0 {
		return make([]float32, dim), nil
	}

	rCtx, cancel := context.WithTimeout(ctx, time.Minute*time.Duration(c.timeoutMin))
	defer cancel()

	req := &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: string(input),
	}

	err := c.reqLock.Acquire(rCtx, 1)
	if err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	res, err := c.Client.Embed(rCtx, req)
	if err != nil {
		return nil, err
	}

	durationMs := res.TotalDuration.Milliseconds()

	metrics := ai.ModelMetrics{
		InputTokens:  res.PromptEvalCount,
		OutputTokens: 0,
		TotalTokens:  res.PromptEvalCount,
		DurationMs:   durationMs,
	}
	c.modifyMetrics(metrics)

	out := make([]float32, 0, dim)
	for _, v := range res.Embeddings {
		for _, val := range v {
			if len(out) >= dim {
				break
			}
			out = append(out, float32(val))
		}
	}
	if len(out) < dim {
		padded := make([]float32, dim)
		copy(padded, out)
		out = padded
	}
	return out, nil
}

// GenerateEmbeddings creates embeddings for multiple inputs sequentially.
// The Ollama embed endpoint gains little from batching; the request
// semaphore already bounds server load.
func (c *Client) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		vec, err := c.GenerateEmbedding(ctx, input)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
