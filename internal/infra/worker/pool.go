// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Pool runs N independent worker loops. The loops share nothing in-process;
// coordination happens entirely through the store's atomic claims, the same
// way loops in separate processes coordinate.
type Pool struct {
	runner *Runner
	n      int
	log    *zerolog.Logger
}

func NewPool(runner *Runner, loops int, logger *zerolog.Logger) *Pool {
	if loops <= 0 {
		loops = 1
	}
	l := logger.With().Str("component", "Pool").Logger()
	return &Pool{runner: runner, n: loops, log: &l}
}

// Run starts the loops and blocks until every one of them has returned.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info().Int("loops", p.n).Msg("starting worker loops")
	var wg sync.WaitGroup
	for i := 0; i < p.n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := p.runner.Run(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Int("loop", id).Msg("worker loop exited with error")
			}
		}(i)
	}
	wg.Wait()
	p.log.Info().Msg("all worker loops stopped")
}
