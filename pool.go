package queue

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs several workers against the same connection. Each worker keeps its own
// limits, so WithMaxJobs applies per worker.
type Pool struct {
	log     *zap.Logger
	workers []*Worker
}

// NewPool builds n workers with newWorker. n below one means one worker.
func NewPool(n int, log *zap.Logger, newWorker func(i int) *Worker) *Pool {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{
		log:     log,
		workers: make([]*Worker, 0, n),
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newWorker(i))
	}

	return p
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Run blocks until every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Debug("starting worker pool", zap.Int("workers", len(p.workers)))

	g := &errgroup.Group{}
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	err := g.Wait()
	p.log.Debug("worker pool stopped")

	return err
}
