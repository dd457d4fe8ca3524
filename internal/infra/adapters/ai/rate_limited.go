package ai

import (
	"context"
	"time"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
	red "ensemble-inference-scheduler/internal/infra/redis"
)

// Compile-time check
var _ adapter.Predictor = (*rateLimitedPredictor)(nil)

type rateLimitedPredictor struct {
	inner   adapter.Predictor
	limiter *red.RateLimiter
	family  string
	limit   int
	window  time.Duration
}

// NewRateLimitedPredictor enforces a per-family request budget shared across
// all worker processes through Redis. When the window is exhausted the call
// blocks until a slot opens or the context expires, so a throttled predict
// shows up as a slow call, not a failed task.
func NewRateLimitedPredictor(inner adapter.Predictor, limiter *red.RateLimiter, family string, limitPerMinute int) adapter.Predictor {
	if limiter == nil || limitPerMinute <= 0 {
		return inner
	}
	return &rateLimitedPredictor{
		inner:   inner,
		limiter: limiter,
		family:  family,
		limit:   limitPerMinute,
		window:  time.Minute,
	}
}

func (r *rateLimitedPredictor) Predict(ctx context.Context, aiModel *model.AIModel, prompt *model.Prompt, row *model.Row) (string, time.Duration, error) {
	for {
		key := red.FamilyWindowKey(r.family, time.Now(), r.window)
		ok, err := r.limiter.Allow(ctx, key, r.limit, r.window)
		if err != nil {
			// Redis being down must not stall the matrix; fall through.
			return r.inner.Predict(ctx, aiModel, prompt, row)
		}
		if ok {
			return r.inner.Predict(ctx, aiModel, prompt, row)
		}
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
