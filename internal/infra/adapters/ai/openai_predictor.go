package ai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.Predictor = (*OpenAIPredictor)(nil)

// OpenAIPredictor serves the "openai" model family through the hosted Chat
// Completions API.
type OpenAIPredictor struct {
	client openai.Client
}

func NewOpenAIPredictor(apiKey string) (*OpenAIPredictor, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	return &OpenAIPredictor{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

func (o *OpenAIPredictor) Predict(ctx context.Context, aiModel *model.AIModel, prompt *model.Prompt, row *model.Row) (string, time.Duration, error) {
	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(aiModel.Name),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(renderPrompt(prompt, row)),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return "", latency, err
	}
	if len(resp.Choices) == 0 {
		return "", latency, errors.New("openai: no choice content")
	}
	return normalizeLabel(resp.Choices[0].Message.Content), latency, nil
}
