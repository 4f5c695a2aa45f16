package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// OpenAIClient calls an OpenAI-compatible /embeddings endpoint.
type OpenAIClient struct {
	httpClient
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewOpenAIClient creates a client for an OpenAI-compatible service. The API key
// is read from apiKeyEnv; local services that need no key may leave it unset.
func NewOpenAIClient(baseURL, apiKeyEnv, model string, dimension int, timeout time.Duration) (*OpenAIClient, error) {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" && baseURL == "https://api.openai.com/v1" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}
	return &OpenAIClient{httpClient: newHTTPClient(baseURL, model, apiKey, dimension, timeout)}, nil
}

// Embed generates a vector embedding for the given text.
func (e *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("openai embed: %w", errEmptyText)
	}

	body, err := e.post(ctx, "/embeddings", embeddingRequest{Input: []string{text}, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}

	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("openai embed decode: %w", errMalformed(err))
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai embed: %s: %w", resp.Error.Message, errRejected)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embed: %w", errEmptyResponse)
	}

	vec := resp.Data[0].Embedding
	if err := checkVector(vec, e.dimension); err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	return vec, nil
}
