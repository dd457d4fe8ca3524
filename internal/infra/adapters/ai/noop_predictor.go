package ai

import (
	"context"
	"hash/fnv"
	"time"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
)

var _ adapter.Predictor = (*NoopPredictor)(nil)

// NoopPredictor is a deterministic stand-in for dev runs: it picks a label
// from the configured set by hashing the row text. Useful for exercising the
// full scheduling path without any inference backend.
type NoopPredictor struct {
	labels []string
}

func NewNoopPredictor(labels []string) *NoopPredictor {
	if len(labels) == 0 {
		labels = []string{"positive", "negative"}
	}
	return &NoopPredictor{labels: labels}
}

func (n *NoopPredictor) Predict(ctx context.Context, aiModel *model.AIModel, prompt *model.Prompt, row *model.Row) (string, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(row.Text))
	return n.labels[int(h.Sum32())%len(n.labels)], time.Millisecond, nil
}
