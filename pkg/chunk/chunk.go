package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Chunk is an immutable span of a source document. The ID is derived from
// the document id, the ordinal and the text, so re-chunking an unchanged
// document reproduces the same ids and downstream upserts stay idempotent.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// Chunker splits documents into sentence-aligned chunks under a token
// budget, with a configurable sentence overlap between consecutive chunks.
type Chunker struct {
	encoder   string
	maxTokens int
	overlap   int
}

// ChunkerParams configures a Chunker. Encoder names a tiktoken encoding,
// MaxTokens the per-chunk budget and OverlapSentences how many trailing
// sentences are repeated at the start of the next chunk.
type ChunkerParams struct {
	Encoder          string
	MaxTokens        int
	OverlapSentences int
}

// NewChunker creates a Chunker and validates the encoder name.
func NewChunker(params ChunkerParams) (*Chunker, error) {
	if params.Encoder == "" {
		params.Encoder = "o200k_base"
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 512
	}
	if params.OverlapSentences < 0 {
		params.OverlapSentences = 0
	}

	if _, err := tiktoken.GetEncoding(params.Encoder); err != nil {
		return nil, fmt.Errorf("unknown token encoder %q: %w", params.Encoder, err)
	}

	return &Chunker{
		encoder:   params.Encoder,
		maxTokens: params.MaxTokens,
		overlap:   params.OverlapSentences,
	}, nil
}

// Split chunks the document text. An empty or whitespace-only document
// yields no chunks and no error.
func (c *Chunker) Split(documentID string, text string) ([]Chunk, error) {
	enc, err := tiktoken.GetEncoding(c.encoder)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	sentences := splitIntoSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	chunkStart := -1
	chunkEnd := -1

	flushChunk := func() {
		if chunkStart < 0 || chunkEnd <= chunkStart {
			return
		}

		var chunkText strings.Builder
		for i := chunkStart; i < chunkEnd; i++ {
			if i > chunkStart {
				chunkText.WriteString(" ")
			}
			chunkText.WriteString(sentences[i])
		}

		body := strings.TrimSpace(chunkText.String())
		ordinal := len(chunks)
		chunks = append(chunks, Chunk{
			ID:         chunkID(documentID, ordinal, body),
			DocumentID: documentID,
			Ordinal:    ordinal,
			Text:       body,
			TokenCount: len(enc.Encode(body, nil, nil)),
		})
		chunkStart = -1
		chunkEnd = -1
	}

	for i := 0; i < len(sentences); i++ {
		if chunkStart < 0 {
			chunkStart = i
			chunkEnd = i + 1
			continue
		}

		var testText strings.Builder
		for j := chunkStart; j <= i; j++ {
			if j > chunkStart {
				testText.WriteString(" ")
			}
			testText.WriteString(sentences[j])
		}

		testTokens := len(enc.Encode(testText.String(), nil, nil))

		if testTokens <= c.maxTokens {
			chunkEnd = i + 1
		} else {
			flushedStart := chunkStart
			flushChunk()
			// re-open the window a few sentences back so context carries
			// over, but always move the start forward to guarantee progress
			restart := i - c.overlap
			if restart <= flushedStart {
				restart = flushedStart + 1
			}
			if restart > i {
				restart = i
			}
			chunkStart = restart
			chunkEnd = i + 1
			i = restart
		}
	}

	flushChunk()

	return chunks, nil
}

func chunkID(documentID string, ordinal int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s", documentID, ordinal, text)
	return hex.EncodeToString(h.Sum(nil))[:24]
}
