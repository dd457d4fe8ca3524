package ai

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
)

var _ adapter.Predictor = (*GeminiPredictor)(nil)

// GeminiPredictor serves the "gemini" model family using the official SDK.
type GeminiPredictor struct {
	client *genai.Client
}

func NewGeminiPredictor(ctx context.Context, apiKey, baseURL string) (*GeminiPredictor, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiPredictor{client: c}, nil
}

func (g *GeminiPredictor) Predict(ctx context.Context, aiModel *model.AIModel, prompt *model.Prompt, row *model.Row) (string, time.Duration, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(renderPrompt(prompt, row), genai.RoleUser),
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, aiModel.Name, contents, nil)
	latency := time.Since(start)
	if err != nil {
		return "", latency, err
	}
	text := resp.Text()
	if text == "" {
		return "", latency, errors.New("gemini: empty reply")
	}
	return normalizeLabel(text), latency, nil
}
