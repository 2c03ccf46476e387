package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

/*
LEARNING: WRITER WORKER POOL PATTERN

Durable state writes never run on a connection goroutine. A fixed number of
workers pull jobs from a bounded queue:

1. **Bounded concurrency**: at most `workers` writes hit Postgres at once
2. **Backpressure**: Submit blocks while the queue is full
3. **Awaitable jobs**: a job with Done set reports its result, so a final
   flush before eviction can wait for the write to land
4. **Graceful Shutdown**: Shutdown stops intake and drains queued jobs
*/

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("writer pool is shutting down")

// WriteJob is one durable write.
type WriteJob struct {
	DocumentID string
	Run        func(ctx context.Context) error

	// Done, when set, receives the result of Run exactly once. It must have
	// room for one value.
	Done chan error
}

// WriterStats is a snapshot of pool counters.
type WriterStats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Queued    int
}

// WriterPool executes write jobs with a fixed number of workers
// Returns concrete type - "Accept interfaces, return structs"
type WriterPool struct {
	jobs    chan WriteJob
	workers int
	wg      sync.WaitGroup
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewWriterPool creates a pool. Call Start before submitting.
func NewWriterPool(numWorkers, queueSize int, logger *zap.Logger) *WriterPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &WriterPool{
		jobs:    make(chan WriteJob, queueSize),
		workers: numWorkers,
		logger:  logger.With(zap.String("module", "writer")),
	}
}

// Start spawns the workers
func (p *WriterPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("writer:started", zap.Int("workers", p.workers))
}

// worker runs until the jobs channel is closed and drained
func (p *WriterPool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		err := p.run(job)
		if err != nil {
			p.failed.Inc()
			p.logger.Debug("writer:job_failed",
				zap.Int("worker", id),
				zap.String("doc", job.DocumentID),
				zap.Error(err),
			)
		} else {
			p.completed.Inc()
		}
		if job.Done != nil {
			job.Done <- err
		}
	}
}

// run executes a job, converting a panic into an error
func (p *WriterPool) run(job WriteJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write job panicked: %v", r)
		}
	}()
	return job.Run(context.Background())
}

// Submit queues a job, blocking while the queue is full or until ctx is done
func (p *WriterPool) Submit(ctx context.Context, job WriteJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.submitted.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake and waits for queued jobs to finish
func (p *WriterPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("writer:stopped",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
	)
}

// Stats returns the current counters
func (p *WriterPool) Stats() WriterStats {
	return WriterStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.jobs),
	}
}
