package segment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/Veraticus/mriseg/internal/apperr"
)

const (
	// DefaultWorkers is the default number of concurrent segmentation runs.
	DefaultWorkers = 2

	// DefaultQueueDepth is the default number of runs that may wait for a worker.
	DefaultQueueDepth = 16
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Workers      int
	QueueDepth   int
	PanicHandler PanicHandler // Optional: defaults to logging with stack trace
}

// Job is one unit of work bound to a session.
type Job struct {
	SessionID string

	ctx      context.Context
	run      func(ctx context.Context) error
	done     chan struct{}
	err      error
	queuedAt time.Time
}

// NewJob creates a job that runs fn with ctx once a worker picks it up.
func NewJob(ctx context.Context, sessionID string, fn func(ctx context.Context) error) *Job {
	return &Job{
		SessionID: sessionID,
		ctx:       ctx,
		run:       fn,
		done:      make(chan struct{}),
	}
}

// Wait blocks until the job finishes and returns its error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// Dispatcher runs jobs on a fixed pool of workers in FIFO order.
type Dispatcher struct {
	config DispatcherConfig
	stats  *statsCollector
	logger *slog.Logger

	mu      sync.Mutex
	pending *queue.Queue
	wake    chan struct{}
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before submitting.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Workers < 1 {
		config.Workers = DefaultWorkers
	}
	if config.QueueDepth < 1 {
		config.QueueDepth = DefaultQueueDepth
	}

	d := &Dispatcher{
		config:  config,
		stats:   newStatsCollector(),
		logger:  slog.Default().With(slog.String("component", "segment.dispatcher")),
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
	}

	handler := config.PanicHandler
	if handler == nil {
		handler = NewDefaultPanicHandler()
	}
	d.config.PanicHandler = NewMetricsPanicHandler(handler, func(string, any) {
		d.stats.panicked.Add(1)
	})

	return d
}

// Start launches the workers. They exit when ctx is canceled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return fmt.Errorf("dispatcher already stopped")
	}
	if d.started {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	d.ctx = workerCtx
	d.cancel = cancel
	d.started = true

	for i := range d.config.Workers {
		id := fmt.Sprintf("segment-worker-%d", i+1)
		d.wg.Add(1)
		go d.work(workerCtx, id)
	}

	d.logger.InfoContext(ctx, "Dispatcher started",
		slog.Int("workers", d.config.Workers),
		slog.Int("queue_depth", d.config.QueueDepth),
	)
	return nil
}

// Stop halts the workers, waits for running jobs, and fails queued jobs with ResourceExhausted.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	var orphaned []*Job
	for d.pending.Length() > 0 {
		orphaned = append(orphaned, d.pending.Remove().(*Job))
	}
	d.mu.Unlock()

	for _, job := range orphaned {
		job.finish(apperr.New(apperr.ResourceExhausted, "segment.Dispatcher",
			"Segmentation service is shutting down"))
	}
}

// Submit enqueues job. It fails with ResourceExhausted when the queue is full
// or the dispatcher is not running.
func (d *Dispatcher) Submit(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped || d.ctx.Err() != nil {
		d.stats.rejected.Add(1)
		return apperr.New(apperr.ResourceExhausted, "segment.Submit",
			"Segmentation service is not accepting work")
	}
	if d.pending.Length() >= d.config.QueueDepth {
		d.stats.rejected.Add(1)
		return apperr.New(apperr.ResourceExhausted, "segment.Submit",
			"Segmentation queue is full (%d waiting). Try again later", d.pending.Length())
	}

	job.queuedAt = time.Now()
	d.pending.Add(job)
	d.stats.submitted.Add(1)
	d.signal()
	return nil
}

// Stats returns a snapshot of dispatcher activity.
func (d *Dispatcher) Stats() Stats {
	s := d.stats.snapshot()
	d.mu.Lock()
	s.Queued = d.pending.Length()
	d.mu.Unlock()
	s.Workers = d.config.Workers
	s.QueueDepth = d.config.QueueDepth
	return s
}

// signal wakes one idle worker. Requires d.mu.
func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest job, or nil if the queue is empty.
func (d *Dispatcher) next() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending.Length() == 0 {
		return nil
	}
	job := d.pending.Remove().(*Job)
	if d.pending.Length() > 0 {
		d.signal()
	}
	return job
}

func (d *Dispatcher) work(ctx context.Context, id string) {
	defer d.wg.Done()

	for {
		if job := d.next(); job != nil {
			d.execute(id, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) execute(workerID string, job *Job) {
	// Jobs whose caller already gave up are not started.
	if err := job.ctx.Err(); err != nil {
		d.stats.rejected.Add(1)
		job.finish(err)
		return
	}

	d.stats.recordStart(time.Since(job.queuedAt))
	start := time.Now()

	err := d.invoke(workerID, job)

	d.stats.recordFinish(time.Since(start), err)
	job.finish(err)
}

func (d *Dispatcher) invoke(workerID string, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handleRecoveredPanic(workerID, job.SessionID, r, d.config.PanicHandler)
			err = apperr.New(apperr.InferenceFailure, "segment.Run",
				"Segmentation failed: internal error")
		}
	}()

	return job.run(job.ctx)
}
