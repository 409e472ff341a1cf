// Package workers provides the serial job executor that stascan runs the
// station core on. Every entry point (API commands, radio callbacks, timers,
// cron triggers) is submitted as a job and executed in FIFO order by a
// single goroutine, so the core packages never need locks.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
)

// Job represents a unit of work to be executed by the pool.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
}

// Config holds configuration for the pool.
type Config struct {
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// ShutdownTimeout is the maximum time to wait for queued jobs to drain.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default pool configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Pool executes jobs one at a time in submission order.
type Pool struct {
	config    Config
	jobs      chan Job
	results   chan Result
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	quit      chan struct{}
	startOnce sync.Once
	quitOnce  sync.Once
	mu        sync.RWMutex
	closed    bool
	seq       uint64
	logger    *logging.Logger
	metrics   metrics.MetricsRegistry
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the registry the pool records into.
func WithMetrics(m metrics.MetricsRegistry) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a new pool with the given configuration.
func New(config Config, opts ...Option) *Pool {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:  config,
		jobs:    make(chan Job, config.QueueSize),
		results: make(chan Result, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger).WithComponent("workers")
	return p
}

// Start begins executing queued jobs.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting serial executor", "queue_size", p.config.QueueSize)
		go p.run()
	})
}

// Submit adds a job to the queue. It never blocks: a full queue is an error.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.NewScanError(errors.CodeServiceUnavailable, "executor is shut down")
	}

	select {
	case p.jobs <- job:
		p.metrics.Counter("jobs_submitted_total", metrics.Labels{"job_type": job.Type()})
		return nil
	case <-p.ctx.Done():
		return errors.NewScanError(errors.CodeServiceUnavailable, "executor is shutting down")
	default:
		p.metrics.Counter("jobs_rejected_total", metrics.Labels{"job_type": job.Type()})
		return errors.NewScanError(errors.CodeQueueFull, "job queue is full").
			WithContext("job_type", job.Type())
	}
}

// Enqueue adds a job to the queue, waiting for room when it is full. It only
// fails once Shutdown has begun. It must not be called from a job.
func (p *Pool) Enqueue(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.NewScanError(errors.CodeServiceUnavailable, "executor is shut down")
	}

	select {
	case p.jobs <- job:
		p.metrics.Counter("jobs_submitted_total", metrics.Labels{"job_type": job.Type()})
		return nil
	default:
	}

	p.metrics.Counter("jobs_blocked_total", metrics.Labels{"job_type": job.Type()})
	select {
	case p.jobs <- job:
		p.metrics.Counter("jobs_submitted_total", metrics.Labels{"job_type": job.Type()})
		return nil
	case <-p.quit:
		return errors.NewScanError(errors.CodeServiceUnavailable, "executor is shutting down")
	case <-p.ctx.Done():
		return errors.NewScanError(errors.CodeServiceUnavailable, "executor is shutting down")
	}
}

// EnqueueFunc wraps fn in a job and enqueues it.
func (p *Pool) EnqueueFunc(jobType string, fn func(ctx context.Context) error) error {
	return p.Enqueue(p.newFuncJob(jobType, fn))
}

// SubmitFunc wraps fn in a job and submits it.
func (p *Pool) SubmitFunc(jobType string, fn func(ctx context.Context) error) error {
	return p.Submit(p.newFuncJob(jobType, fn))
}

// Do submits fn and waits for it to run. It must not be called from a job,
// since the worker would wait on itself.
func (p *Pool) Do(ctx context.Context, jobType string, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	job := p.newFuncJob(jobType, func(ctx context.Context) error {
		err := fn(ctx)
		errc <- err
		return err
	})
	if err := p.Submit(job); err != nil {
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		select {
		case err := <-errc:
			return err
		default:
			return errors.NewScanError(errors.CodeServiceUnavailable, "executor stopped before job ran")
		}
	}
}

// Results returns a channel for receiving failed job results. Results are
// dropped when nobody reads them.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown stops accepting jobs and waits for the queued ones to drain.
func (p *Pool) Shutdown() error {
	p.quitOnce.Do(func() { close(p.quit) })
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Shutting down serial executor", "queued", len(p.jobs))
	p.Start()

	select {
	case <-p.done:
		p.logger.Info("Serial executor shutdown completed")
		p.cancel()
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.cancel()
		<-p.done
		return errors.NewScanError(errors.CodeTimeout,
			fmt.Sprintf("executor did not drain within %s", p.config.ShutdownTimeout))
	}
}

// Wait blocks until the pool has shut down.
func (p *Pool) Wait() {
	<-p.done
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

func (p *Pool) run() {
	defer close(p.done)
	for job := range p.jobs {
		if p.ctx.Err() != nil {
			p.metrics.Counter("jobs_completed_total", metrics.Labels{
				"job_type": job.Type(),
				"status":   "dropped",
			})
			continue
		}
		p.execute(job)
	}
}

func (p *Pool) execute(job Job) {
	timer := metrics.NewTimerFor(p.metrics, "job_duration_seconds", metrics.Labels{"job_type": job.Type()})
	err := p.safeExecute(job)
	duration := timer.Stop()

	status := "success"
	if err != nil {
		status = "error"
		p.logger.Warn("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"error", err)
		select {
		case p.results <- Result{JobID: job.ID(), JobType: job.Type(), Error: err, Duration: duration}:
		default:
		}
	}
	p.metrics.Counter("jobs_completed_total", metrics.Labels{
		"job_type": job.Type(),
		"status":   status,
	})
}

func (p *Pool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job panicked", "job_id", job.ID(), "job_type", job.Type(), "panic", r)
			err = fmt.Errorf("job %s panicked: %v", job.ID(), r)
		}
	}()
	return job.Execute(p.ctx)
}

// FuncJob implements Job for a plain function.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job that runs fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

func (p *Pool) newFuncJob(jobType string, fn func(ctx context.Context) error) *FuncJob {
	n := atomic.AddUint64(&p.seq, 1)
	return NewFuncJob(fmt.Sprintf("%s-%d", jobType, n), jobType, fn)
}

// Execute implements Job.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements Job.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements Job.
func (j *FuncJob) Type() string {
	return j.jobType
}
