package adapter

import (
	"context"
	"time"

	"ensemble-inference-scheduler/internal/domain/model"
)

// Predictor is the port for one model family's inference backend. Predict
// must be safe to call repeatedly for the same input: the scheduler provides
// at-least-once execution and retries overwrite idempotently downstream.
// Latency is unbounded; callers own the timeout.
type Predictor interface {
	Predict(ctx context.Context, aiModel *model.AIModel, prompt *model.Prompt, row *model.Row) (label string, latency time.Duration, err error)
}

// Registry resolves the Predictor serving a model family. A worker process
// only registers the families it is configured to serve, and the claim step
// honors that set exactly.
type Registry interface {
	For(family string) (Predictor, bool)
	Families() []string
}
