// Package workerpool runs long-lived connection handlers on a fixed set of
// goroutines so a node never serves more clients than it was sized for.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work, typically a client connection.
type Task struct {
	ID string
	// Run receives a context that is cancelled when the pool stops.
	Run func(ctx context.Context) error
	// Drop is called instead of Run when a queued task is discarded by Stop.
	Drop func()
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// Pool is a bounded set of workers fed from a bounded queue.
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	tasks      chan Task
	logger     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// New starts the workers.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		tasks:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		if p.ctx.Err() != nil {
			p.drop(task)
			continue
		}
		p.execute(id, task)
	}
}

func (p *Pool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(task)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Run(p.ctx)
}

func (p *Pool) drop(task Task) {
	atomic.AddUint64(&p.rejected, 1)
	if task.Drop != nil {
		task.Drop()
	}
}

// TrySubmit queues task without blocking. It returns false when every
// worker is busy and the queue is full, or the pool is stopped; the caller
// still owns the task in that case.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
	select {
	case p.tasks <- task:
		atomic.AddUint64(&p.submitted, 1)
		return true
	default:
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Stop cancels running tasks, drops queued ones and waits for the workers.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))

		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		QueueSize:     p.queueSize,
		Queued:        len(p.tasks),
		Submitted:     atomic.LoadUint64(&p.submitted),
		Completed:     atomic.LoadUint64(&p.completed),
		Failed:        atomic.LoadUint64(&p.failed),
		Rejected:      atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name          string
	MaxWorkers    int
	ActiveWorkers int
	QueueSize     int
	Queued        int
	Submitted     uint64
	Completed     uint64
	Failed        uint64
	Rejected      uint64
}

// WorkerUtilization returns the worker utilization as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return float64(s.ActiveWorkers) / float64(s.MaxWorkers) * 100.0
}
