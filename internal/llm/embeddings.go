package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	httpx "cv-pipeline/pkg/http"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey  string
	baseURL string
	http    *httpx.Client
}

func NewOpenAIEmbedder(apiKey, baseURL string, timeout time.Duration) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpx.NewClient(timeout),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY not configured")
	}
	reqBody := map[string]interface{}{
		"input":           text,
		"model":           model,
		"encoding_format": "float",
	}
	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := e.http.PostJSON(ctx, e.baseURL+"/embeddings", httpx.Bearer(e.apiKey), reqBody, &result); err != nil {
		return nil, fmt.Errorf("embedding API error: %w", err)
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}
