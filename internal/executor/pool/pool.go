// Package pool implements the bounded-concurrency worker pool that executes
// submitted jobs in priority order.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/executor/queue"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Common errors
var (
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStopped    = errors.New("worker pool stopped")
)

// WorkerPool runs submitted jobs with at most N executing concurrently,
// dequeuing HIGH before NORMAL before LOW and FIFO within a tier.
type WorkerPool struct {
	workers int
	queue   *queue.JobQueue
	logger  *logger.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	started  bool
	stopping bool

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool with the given worker count and queue
// capacity (0 = unbounded queue).
func NewWorkerPool(workers, queueSize int, log *logger.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	p := &WorkerPool{
		workers: workers,
		queue:   queue.NewJobQueue(queueSize),
		logger:  log.WithFields(zap.String("component", "worker-pool")),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start spins up the persistent workers. Idempotent; must complete before
// Submit is accepted.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.stopping = false

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}

	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Submit enqueues a job; it returns once enqueued, not once executed.
// The job is a deferred call with its arguments already bound.
func (p *WorkerPool) Submit(taskID string, priority v1.TaskPriority, run func()) error {
	p.mu.Lock()
	// Stop clears started once the workers drain; stopping stays set until
	// the next Start, so a stopped pool is distinguishable from a fresh one.
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}

	err := p.queue.Enqueue(&queue.Job{
		TaskID:   taskID,
		Priority: priority,
		Run:      run,
	})
	if err != nil {
		p.mu.Unlock()
		return err
	}

	p.cond.Signal()
	p.mu.Unlock()

	p.logger.Debug("job enqueued",
		zap.String("task_id", taskID),
		zap.String("priority", string(priority)),
		zap.Int("queue_size", p.queue.Len()))
	return nil
}

// Stop signals all workers to finish their current job and exit, then blocks
// until they have. In-flight jobs are not cancelled; queued jobs are not
// dequeued anymore.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopped", zap.Int("jobs_left_queued", p.queue.Len()))
}

// ActiveCount returns the number of jobs currently executing.
func (p *WorkerPool) ActiveCount() int {
	return int(p.active.Load())
}

// QueueSize returns the number of jobs waiting to be executed.
func (p *WorkerPool) QueueSize() int {
	return p.queue.Len()
}

// workerLoop dequeues and runs jobs until the pool stops. A blocking
// dequeue is built from the condition variable so idle workers consume
// nothing.
func (p *WorkerPool) workerLoop(id int) {
	defer p.wg.Done()

	log := p.logger.WithFields(zap.Int("worker", id))
	log.Debug("worker started")

	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopping {
			p.cond.Wait()
		}
		if p.stopping {
			p.mu.Unlock()
			log.Debug("worker exiting")
			return
		}
		job := p.queue.Dequeue()
		p.mu.Unlock()

		if job == nil {
			continue
		}
		p.runJob(log, job)
	}
}

// runJob executes one job, isolating panics so a failing job never takes
// the worker loop down. Recording the outcome on the task is the job's own
// responsibility; the pool never retries.
func (p *WorkerPool) runJob(log *logger.Logger, job *queue.Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked",
				zap.String("task_id", job.TaskID),
				zap.Any("panic", r))
		}
	}()

	job.Run()
}
