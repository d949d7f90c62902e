// Package workerpool runs background jobs on a bounded set of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/metrics"
)

// Job is a unit of work. Its error, if any, is delivered on the channel
// returned by Submit.
type Job struct {
	Name string
	Run  func(context.Context) error
}

type queued struct {
	job  Job
	ctx  context.Context
	done chan error
}

// Pool executes jobs on at most Workers goroutines.
type Pool struct {
	name    string
	workers int
	queue   chan queued
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool configuration.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// New starts a pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan queued, cfg.QueueSize),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case q := <-p.queue:
			p.execute(id, q)
		}
	}
}

func (p *Pool) execute(workerID int, q queued) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(q)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.metrics.RecordPoolTask(p.name, "failed")
		p.logger.Warn("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job", q.job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completed, 1)
		p.metrics.RecordPoolTask(p.name, "completed")
		p.logger.Debug("Job completed",
			zap.String("pool", p.name),
			zap.String("job", q.job.Name),
			zap.Duration("duration", time.Since(start)))
	}
	q.done <- err
	close(q.done)
}

func (p *Pool) safeRun(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("job %q panicked: %v", q.job.Name, r), nil)
		}
	}()
	if err := q.ctx.Err(); err != nil {
		return err
	}
	return q.job.Run(q.ctx)
}

// Submit queues job, blocking until there is room or ctx is done. The
// returned channel receives exactly one value when the job finishes.
func (p *Pool) Submit(ctx context.Context, job Job) (<-chan error, error) {
	q := queued{job: job, ctx: ctx, done: make(chan error, 1)}
	select {
	case <-p.stopCh:
		p.reject()
		return nil, errors.Unavailable(fmt.Sprintf("worker pool %q is stopped", p.name), nil)
	default:
	}
	select {
	case <-p.stopCh:
		p.reject()
		return nil, errors.Unavailable(fmt.Sprintf("worker pool %q is stopped", p.name), nil)
	case <-ctx.Done():
		p.reject()
		return nil, ctx.Err()
	case p.queue <- q:
		atomic.AddUint64(&p.submitted, 1)
		return q.done, nil
	}
}

// TrySubmit queues job without blocking. It reports false when the queue
// is full or the pool is stopped.
func (p *Pool) TrySubmit(ctx context.Context, job Job) (<-chan error, bool) {
	q := queued{job: job, ctx: ctx, done: make(chan error, 1)}
	select {
	case <-p.stopCh:
		p.reject()
		return nil, false
	default:
	}
	select {
	case p.queue <- q:
		atomic.AddUint64(&p.submitted, 1)
		return q.done, true
	default:
		p.reject()
		return nil, false
	}
}

func (p *Pool) reject() {
	atomic.AddUint64(&p.rejected, 1)
	p.metrics.RecordPoolTask(p.name, "rejected")
}

// Stop waits up to timeout for running jobs to finish. Queued jobs that
// have not started are dropped and their channels never fire.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = errors.Unavailable(fmt.Sprintf("worker pool %q stop timeout after %v", p.name, timeout), nil)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
