package ai

import (
	"context"
	"time"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.Predictor = (*limitedPredictor)(nil)

type limitedPredictor struct {
	inner adapter.Predictor
	sem   chan struct{}
}

// NewLimitedPredictor caps in-process concurrency against one backend.
// Process-wide budgets across many workers are the rate limiter's job.
func NewLimitedPredictor(inner adapter.Predictor, maxConcurrent int) adapter.Predictor {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedPredictor{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedPredictor) Predict(ctx context.Context, aiModel *model.AIModel, prompt *model.Prompt, row *model.Row) (string, time.Duration, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Predict(ctx, aiModel, prompt, row)
}
