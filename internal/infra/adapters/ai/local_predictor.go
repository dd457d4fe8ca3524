package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.Predictor = (*LocalPredictor)(nil)

// LocalPredictor serves the "local" model family against an OpenAI-compatible
// local inference server (vLLM, Ollama and friends). Base URL points at the
// server's /v1 root.
type LocalPredictor struct {
	base   string // e.g., http://localhost:8000/v1
	client *http.Client
}

func NewLocalPredictor(base string) (*LocalPredictor, error) {
	if base == "" {
		return nil, errors.New("local predictor base url empty")
	}
	return &LocalPredictor{
		base: base,
		// No client-level timeout: the worker loop owns the per-call
		// deadline through ctx.
		client: &http.Client{},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (l *LocalPredictor) Predict(ctx context.Context, aiModel *model.AIModel, prompt *model.Prompt, row *model.Row) (string, time.Duration, error) {
	reqBody := struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}{
		Model:    aiModel.Name,
		Messages: []chatMessage{{Role: "user", Content: renderPrompt(prompt, row)}},
	}

	b, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.base+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := l.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return "", latency, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", latency, fmt.Errorf("local server http %d", resp.StatusCode)
	}

	var payload struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", latency, err
	}
	for _, c := range payload.Choices {
		if c.Message.Content != "" {
			return normalizeLabel(c.Message.Content), latency, nil
		}
	}
	return "", latency, errors.New("no choice content")
}
