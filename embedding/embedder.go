package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/evermind-ai/retention/errors"
)

type (
	// Embedder supplies a fixed-length vector for text. Calls are slow and
	// rate limited; transient failures are retried inside the
	// implementation, never surfaced past it.
	Embedder interface {
		Embed(ctx context.Context, texts ...string) ([][]float32, error)
		Dimension() int
	}

	TaskType string

	// NomicEmbedder calls the Nomic Atlas embedding API.
	NomicEmbedder struct {
		client     *http.Client
		apiKey     string
		taskType   TaskType
		maxRetries int
	}
)

const (
	TaskTypeDocument TaskType = "search_document"
	TaskTypeQuery    TaskType = "search_query"

	NomicTextEndpoint    = "https://api-atlas.nomic.ai/v1/embedding/text"
	NomicTextModel       = "nomic-embed-text-v1.5"
	nomicTextDimension   = 768
	defaultRetryInterval = time.Second
)

var _ Embedder = (*NomicEmbedder)(nil)

func NewNomicEmbedder(apiKey string, maxRetries int) *NomicEmbedder {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &NomicEmbedder{
		client:     http.DefaultClient,
		apiKey:     apiKey,
		taskType:   TaskTypeDocument,
		maxRetries: maxRetries,
	}
}

func (e *NomicEmbedder) Dimension() int {
	return nomicTextDimension
}

func (e *NomicEmbedder) Embed(ctx context.Context, texts ...string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(defaultRetryInterval << uint(attempt-1)):
			}
		}

		embeddings, err := e.embedOnce(ctx, texts)
		if err == nil {
			return embeddings, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *NomicEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	var requestBody bytes.Buffer
	if err := json.NewEncoder(&requestBody).Encode(struct {
		TaskType string   `json:"task_type"`
		Model    string   `json:"model"`
		Texts    []string `json:"texts"`
	}{
		TaskType: string(e.taskType),
		Model:    NomicTextModel,
		Texts:    texts,
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to encode request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, NomicTextEndpoint, &requestBody)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to embed text: HTTP %d", resp.StatusCode)
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, errors.Wrapf(err, "failed to decode response")
	}
	if len(response.Embeddings) != len(texts) {
		return nil, errors.Errorf("embedding count mismatch: got %d, want %d", len(response.Embeddings), len(texts))
	}

	return response.Embeddings, nil
}
