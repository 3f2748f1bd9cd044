package autoflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisQueueOptions configures the durable scheduler backend.
type RedisQueueOptions struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Name prefixes every key so multiple engines can share one broker.
	Name string

	// Concurrency is the worker concurrency of this process. The broker
	// owns concurrency limiting across processes: each process runs at
	// most Concurrency jobs, and the shared pending set serializes
	// dequeue ordering between them.
	Concurrency  int
	MaxRetries   int
	BackoffBase  time.Duration
	PollInterval time.Duration

	Logger    *slog.Logger
	Callbacks ExecutionCallbacks
}

// RedisQueue is the durable queue backend: jobs live in Redis so
// multiple engine processes can share one queue. Pending jobs are kept
// in a sorted set scored by priority tier and a FIFO sequence number;
// jobs awaiting their retry backoff sit in a delayed set scored by their
// ready time.
type RedisQueue struct {
	client       *redis.Client
	name         string
	concurrency  int
	maxRetries   int
	backoffBase  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	callbacks    ExecutionCallbacks

	mutex     sync.Mutex
	handler   JobHandler
	running   bool
	closed    bool
	paused    bool
	inFlight  int
	completed uint64
	failed    uint64
	retried   uint64
	cancelled uint64
	highWater int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRedisQueue connects to the broker and returns the durable queue.
func NewRedisQueue(ctx context.Context, opts RedisQueueOptions) (*RedisQueue, error) {
	if opts.Name == "" {
		opts.Name = "autoflow"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultMaxConcurrentExecutions
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisQueue{
		client:       client,
		name:         opts.Name,
		concurrency:  opts.Concurrency,
		maxRetries:   opts.MaxRetries,
		backoffBase:  opts.BackoffBase,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		callbacks:    opts.Callbacks,
		stop:         make(chan struct{}),
	}, nil
}

func (q *RedisQueue) pendingKey() string { return q.name + ":pending" }
func (q *RedisQueue) delayedKey() string { return q.name + ":delayed" }
func (q *RedisQueue) jobsKey() string    { return q.name + ":jobs" }
func (q *RedisQueue) seqKey() string     { return q.name + ":seq" }

// priorityScore maps (priority, sequence) onto a single ascending score:
// the lowest score is dequeued first, so urgent tiers sort ahead and the
// sequence number preserves FIFO ordering within a tier.
func priorityScore(p Priority, seq int64) float64 {
	return float64(int64(PriorityUrgent-p))*1e12 + float64(seq)
}

// Bind sets the handler dispatched jobs are handed to.
func (q *RedisQueue) Bind(handler JobHandler) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.handler = handler
}

// Enqueue serializes the job into the broker and adds it to the pending
// set.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return "", ErrQueueClosed
	}
	q.mutex.Unlock()

	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.ExecutionID == "" {
		job.ExecutionID = NewExecutionID()
	}
	job.Status = JobStatusQueued
	job.CreatedAt = time.Now()

	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate sequence: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobsKey(), job.ID, payload)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: priorityScore(job.Priority, seq), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Start launches the worker goroutines. Re-entrant starts are no-ops.
func (q *RedisQueue) Start(ctx context.Context) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.running || q.closed {
		return
	}
	q.running = true
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *RedisQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
		}
		q.mutex.Lock()
		paused := q.paused
		handler := q.handler
		q.mutex.Unlock()
		if paused || handler == nil {
			continue
		}
		q.promoteDelayed(ctx)
		job, ok := q.claim(ctx)
		if !ok {
			continue
		}
		q.run(ctx, handler, job)
	}
}

// promoteDelayed moves jobs whose backoff delay elapsed back into the
// pending set.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			continue // another worker got it
		}
		job, ok := q.fetch(ctx, id)
		if !ok {
			continue
		}
		job.Status = JobStatusQueued
		q.store(ctx, job)
		seq, err := q.client.Incr(ctx, q.seqKey()).Result()
		if err != nil {
			continue
		}
		q.client.ZAdd(ctx, q.pendingKey(), redis.Z{Score: priorityScore(job.Priority, seq), Member: id})
	}
}

// claim pops the head of the pending set and loads its payload.
func (q *RedisQueue) claim(ctx context.Context) (*Job, bool) {
	popped, err := q.client.ZPopMin(ctx, q.pendingKey(), 1).Result()
	if err != nil || len(popped) == 0 {
		return nil, false
	}
	id, _ := popped[0].Member.(string)
	job, ok := q.fetch(ctx, id)
	if !ok {
		return nil, false
	}
	return job, true
}

func (q *RedisQueue) fetch(ctx context.Context, id string) (*Job, bool) {
	payload, err := q.client.HGet(ctx, q.jobsKey(), id).Result()
	if err != nil {
		return nil, false
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		q.logger.Error("failed to deserialize job", "job_id", id, "error", err)
		q.client.HDel(ctx, q.jobsKey(), id)
		return nil, false
	}
	return &job, true
}

func (q *RedisQueue) store(ctx context.Context, job *Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	q.client.HSet(ctx, q.jobsKey(), job.ID, payload)
}

func (q *RedisQueue) run(ctx context.Context, handler JobHandler, job *Job) {
	q.mutex.Lock()
	q.inFlight++
	if q.inFlight > q.highWater {
		q.highWater = q.inFlight
	}
	q.mutex.Unlock()

	job.Status = JobStatusRunning
	job.StartedAt = time.Now()
	q.store(ctx, job)

	err := handler(ctx, job)

	q.mutex.Lock()
	q.inFlight--
	q.mutex.Unlock()

	switch {
	case err == nil:
		q.client.HDel(ctx, q.jobsKey(), job.ID)
		q.mutex.Lock()
		q.completed++
		q.mutex.Unlock()
	case job.RetryCount < q.maxRetries:
		job.RetryCount++
		job.Status = JobStatusRetrying
		delay := q.backoffBase * (1 << job.RetryCount)
		q.store(ctx, job)
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: job.ID})
		q.mutex.Lock()
		q.retried++
		q.mutex.Unlock()
		q.logger.Warn("job failed, retrying",
			"job_id", job.ID, "retry_count", job.RetryCount, "delay", delay, "error", err)
		q.callbacks.JobRetried(ctx, &JobEvent{Job: job, Delay: delay, Error: err})
	default:
		job.Status = JobStatusFailed
		job.FinishedAt = time.Now()
		q.client.HDel(ctx, q.jobsKey(), job.ID)
		q.mutex.Lock()
		q.failed++
		q.mutex.Unlock()
		q.logger.Error("job failed terminally",
			"job_id", job.ID, "retry_count", job.RetryCount, "error", err)
		q.callbacks.JobFailed(ctx, &JobEvent{Job: job, Error: err})
	}
}

// Stats returns a snapshot of queue state. Depth counts both pending and
// delayed jobs.
func (q *RedisQueue) Stats() QueueStats {
	ctx := context.Background()
	pending, _ := q.client.ZCard(ctx, q.pendingKey()).Result()
	delayed, _ := q.client.ZCard(ctx, q.delayedKey()).Result()
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return QueueStats{
		Depth:     int(pending + delayed),
		InFlight:  q.inFlight,
		Completed: q.completed,
		Failed:    q.failed,
		Retried:   q.retried,
		Cancelled: q.cancelled,
		HighWater: q.highWater,
		Paused:    q.paused,
	}
}

// Pause stops this process's workers from claiming jobs.
func (q *RedisQueue) Pause() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.paused = true
}

// Resume restarts claiming.
func (q *RedisQueue) Resume() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.paused = false
}

// Remove cancels a job still in the pending or delayed set. Jobs already
// claimed by a worker are unaffected.
func (q *RedisQueue) Remove(id string) error {
	ctx := context.Background()
	removedPending, _ := q.client.ZRem(ctx, q.pendingKey(), id).Result()
	removedDelayed, _ := q.client.ZRem(ctx, q.delayedKey(), id).Result()
	if removedPending+removedDelayed == 0 {
		exists, err := q.client.HExists(ctx, q.jobsKey(), id).Result()
		if err == nil && exists {
			// claimed by a worker, cooperative cancellation only
			return nil
		}
		return ErrJobNotFound
	}
	q.client.HDel(ctx, q.jobsKey(), id)
	q.mutex.Lock()
	q.cancelled++
	q.mutex.Unlock()
	return nil
}

// Close stops the workers, waits for in-flight jobs, and closes the
// broker connection.
func (q *RedisQueue) Close() error {
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
	q.mutex.Unlock()
	q.wg.Wait()
	return q.client.Close()
}
