package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OllamaClient calls the Ollama /api/embed endpoint.
type OllamaClient struct {
	httpClient
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// NewOllamaClient creates a client for an Ollama server. An empty baseURL
// defaults to the local daemon.
func NewOllamaClient(baseURL, model string, dimension int, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{httpClient: newHTTPClient(baseURL, model, "", dimension, timeout)}
}

// Embed generates a vector embedding for the given text.
func (o *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("ollama embed: %w", errEmptyText)
	}

	body, err := o.post(ctx, "/api/embed", ollamaEmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", errMalformed(err))
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama embed: %s: %w", resp.Error, errRejected)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed: %w", errEmptyResponse)
	}

	vec := resp.Embeddings[0]
	if err := checkVector(vec, o.dimension); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return vec, nil
}
