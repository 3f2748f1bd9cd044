package autoflow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueueOptions configures the in-process queue.
type MemoryQueueOptions struct {
	MaxConcurrentExecutions int
	MaxRetries              int
	BackoffBase             time.Duration
	Logger                  *slog.Logger
	Callbacks               ExecutionCallbacks
}

// MemoryQueue is the in-process scheduler backend: a priority-ordered
// list with stable FIFO ordering among equal priorities, a single pump
// goroutine that dispatches while in-flight executions are below the
// concurrency cap, and exponential-backoff retry for failed jobs.
type MemoryQueue struct {
	maxConcurrent int
	maxRetries    int
	backoffBase   time.Duration
	logger        *slog.Logger
	callbacks     ExecutionCallbacks

	mutex    sync.Mutex
	handler  JobHandler
	items    []*Job
	jobs     map[string]*Job
	timers   map[string]*time.Timer
	inFlight int
	paused   bool
	running  bool
	closed   bool

	completed uint64
	failed    uint64
	retried   uint64
	cancelled uint64
	highWater int

	signal chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
}

// NewMemoryQueue creates an in-process queue. Zero option values fall
// back to the package defaults.
func NewMemoryQueue(opts MemoryQueueOptions) *MemoryQueue {
	if opts.MaxConcurrentExecutions <= 0 {
		opts.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	return &MemoryQueue{
		maxConcurrent: opts.MaxConcurrentExecutions,
		maxRetries:    opts.MaxRetries,
		backoffBase:   opts.BackoffBase,
		logger:        opts.Logger,
		callbacks:     opts.Callbacks,
		jobs:          map[string]*Job{},
		timers:        map[string]*time.Timer{},
		signal:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		ctx:           context.Background(),
	}
}

// Bind sets the handler dispatched jobs are handed to.
func (q *MemoryQueue) Bind(handler JobHandler) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.handler = handler
}

// Enqueue accepts a job, assigns IDs and timestamps, and inserts it in
// priority order.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.ExecutionID == "" {
		job.ExecutionID = NewExecutionID()
	}
	job.Status = JobStatusQueued
	job.CreatedAt = time.Now()
	q.insert(job)
	q.jobs[job.ID] = job
	q.wake()
	return job.ID, nil
}

// insert places the job immediately before the first existing item of
// strictly lower priority, which keeps the list priority-sorted with
// FIFO ordering within a tier. Caller holds the mutex.
func (q *MemoryQueue) insert(job *Job) {
	at := len(q.items)
	for i, item := range q.items {
		if item.Priority < job.Priority {
			at = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = job
}

// wake signals the pump without blocking. Caller holds the mutex.
func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Start launches the pump loop. A start call while the pump is already
// running is a no-op.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.running || q.closed {
		return
	}
	q.running = true
	q.ctx = ctx
	q.wg.Add(1)
	go q.pump(ctx)
}

// pump drives dequeue decisions: it dispatches while items remain and
// the in-flight count is below the concurrency cap, then sleeps until
// woken by an enqueue, a retry re-insertion, or a job finishing.
func (q *MemoryQueue) pump(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) dispatch(ctx context.Context) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for !q.paused && q.inFlight < q.maxConcurrent && len(q.items) > 0 && q.handler != nil {
		job := q.items[0]
		q.items = q.items[1:]
		job.Status = JobStatusRunning
		job.StartedAt = time.Now()
		q.inFlight++
		if q.inFlight > q.highWater {
			q.highWater = q.inFlight
		}
		q.wg.Add(1)
		go q.process(ctx, job)
	}
}

func (q *MemoryQueue) process(ctx context.Context, job *Job) {
	defer q.wg.Done()
	err := q.handler(ctx, job)
	q.finish(ctx, job, err)
}

// finish applies the retry policy: a failed job is re-inserted after
// backoffBase * 2^retryCount while the retry budget lasts; beyond it the
// job is terminally failed and the failure callback fires.
func (q *MemoryQueue) finish(ctx context.Context, job *Job, err error) {
	var retryDelay time.Duration
	var failedJob bool

	q.mutex.Lock()
	q.inFlight--
	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		job.FinishedAt = time.Now()
		q.completed++
		delete(q.jobs, job.ID)
	case job.RetryCount < q.maxRetries:
		job.RetryCount++
		job.Status = JobStatusRetrying
		q.retried++
		retryDelay = q.backoffBase * (1 << job.RetryCount)
		jobID := job.ID
		q.timers[jobID] = time.AfterFunc(retryDelay, func() {
			q.requeue(jobID)
		})
	default:
		job.Status = JobStatusFailed
		job.FinishedAt = time.Now()
		q.failed++
		failedJob = true
		delete(q.jobs, job.ID)
	}
	q.wake()
	q.mutex.Unlock()

	switch {
	case retryDelay > 0:
		q.logger.Warn("job failed, retrying",
			"job_id", job.ID, "retry_count", job.RetryCount, "delay", retryDelay, "error", err)
		q.callbacks.JobRetried(q.ctx, &JobEvent{Job: job, Delay: retryDelay, Error: err})
	case failedJob:
		q.logger.Error("job failed terminally",
			"job_id", job.ID, "retry_count", job.RetryCount, "error", err)
		q.callbacks.JobFailed(q.ctx, &JobEvent{Job: job, Error: err})
	}
}

// requeue re-inserts a job whose backoff delay elapsed.
func (q *MemoryQueue) requeue(jobID string) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.timers, jobID)
	job, ok := q.jobs[jobID]
	if !ok || q.closed || job.Status != JobStatusRetrying {
		return
	}
	job.Status = JobStatusQueued
	q.insert(job)
	q.wake()
}

// Stats returns a snapshot of queue state.
func (q *MemoryQueue) Stats() QueueStats {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return QueueStats{
		Depth:     len(q.items),
		InFlight:  q.inFlight,
		Completed: q.completed,
		Failed:    q.failed,
		Retried:   q.retried,
		Cancelled: q.cancelled,
		HighWater: q.highWater,
		Paused:    q.paused,
	}
}

// Pause stops dispatching without dropping queued jobs.
func (q *MemoryQueue) Pause() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.paused = true
}

// Resume restarts dispatching.
func (q *MemoryQueue) Resume() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.paused = false
	q.wake()
}

// Remove cancels a still-queued or retry-pending job. A job already
// dispatched to the handler is unaffected; cancellation of running
// executions is cooperative and happens at the execution layer.
func (q *MemoryQueue) Remove(id string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch job.Status {
	case JobStatusQueued:
		for i, item := range q.items {
			if item.ID == id {
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
	case JobStatusRetrying:
		if timer, ok := q.timers[id]; ok {
			timer.Stop()
			delete(q.timers, id)
		}
	default:
		// already dispatched
		return nil
	}
	job.Status = JobStatusCancelled
	job.FinishedAt = time.Now()
	q.cancelled++
	delete(q.jobs, id)
	return nil
}

// Close shuts the queue down and waits for in-flight jobs to finish.
// Pending retry timers are cancelled.
func (q *MemoryQueue) Close() error {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return nil
	}
	q.closed = true
	if q.running {
		close(q.stop)
		q.running = false
	}
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mutex.Unlock()
	q.wg.Wait()
	return nil
}
