package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEmbedder calls the Gemini embedding API.
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiEmbedder creates an embedder. An empty apiKey lets the SDK read
// GOOGLE_API_KEY / GEMINI_API_KEY from the environment.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimensions int) (*GeminiEmbedder, error) {
	cfg := &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1beta"},
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("NewGeminiEmbedder: create genai client: %w", err)
	}
	return &GeminiEmbedder{
		client:     client,
		model:      model,
		dimensions: dimensions,
	}, nil
}

func (g *GeminiEmbedder) Model() string   { return g.model }
func (g *GeminiEmbedder) Dimensions() int { return g.dimensions }

// Embed uses the task from TaskFrom(ctx): documents at index build, queries at search.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(g.dimensions)
	resp, err := g.client.Models.EmbedContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{
			TaskType:             string(TaskFrom(ctx)),
			OutputDimensionality: &dims,
		})
	if err != nil {
		return nil, fmt.Errorf("GeminiEmbedder.Embed: embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("GeminiEmbedder.Embed: empty embedding response")
	}

	vec := resp.Embeddings[0].Values
	if len(vec) != g.dimensions {
		return nil, fmt.Errorf("GeminiEmbedder.Embed: got %d dimensions, want %d", len(vec), g.dimensions)
	}
	// Truncated outputs are not unit length.
	return normalize(append([]float32(nil), vec...)), nil
}
