// Package pool provides the fixed-size worker pool the server runs its
// connection handlers on.
package pool

import (
	"sync"

	"go.uber.org/zap"
)

// Pool feeds jobs to a fixed set of workers over a channel. Submitting
// blocks once every worker is busy and the queue is full, which is the
// backpressure the server wants under connection floods.
type Pool struct {
	jobs   chan func()
	wg     sync.WaitGroup
	logger *zap.Logger

	closeOnce sync.Once
}

// New starts a pool with the given number of workers. workers must be
// positive.
func New(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		panic("pool: workers must be positive")
	}

	p := &Pool{
		jobs:   make(chan func(), workers),
		logger: logger,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.runOne(id, job)
	}
}

// runOne isolates a job so a panic kills neither the worker nor the
// process.
func (p *Pool) runOne(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic",
				zap.Int("worker", id), zap.Any("panic", r))
		}
	}()

	job()
}

// Go submits a job. It must not be called after Close.
func (p *Pool) Go(job func()) {
	p.jobs <- job
}

// Close stops accepting jobs and waits for the workers to drain.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}
