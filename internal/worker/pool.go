// Package worker runs the download phase's attachment fetches concurrently.
// Workers share no mutable state: every outcome is reported on the results
// channel and folded into the manifest by its single writer.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"ref2vec/internal/metrics"
	"ref2vec/internal/router"
)

// Pool manages a pool of download workers
type Pool struct {
	size    int
	config  Config
	router  *router.Router
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewPool creates a download worker pool
func NewPool(size int, config Config, r *router.Router, collector *metrics.Collector, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:    size,
		config:  config,
		router:  r,
		metrics: collector,
		logger:  logger,
	}
}

// Start launches the workers. The caller closes tasks when enumeration is
// done and waits on wg before closing results.
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, results, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Download worker started")

	fetcher := &Fetcher{
		config:  p.config,
		router:  p.router,
		metrics: p.metrics,
		logger:  logger,
	}

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Download worker finished - no more tasks")
				return
			}
			result := fetcher.Fetch(ctx, task)
			select {
			case results <- result:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			logger.Debug("Download worker stopped - context cancelled")
			return
		}
	}
}
