package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job represents a queued background task.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Attempt      int             `json:"attempt"`
	RetryLimit   int             `json:"retryLimit"`
	RetryDelay   time.Duration   `json:"retryDelay"`
	RetryBackoff bool            `json:"retryBackoff"`
	Enqueued     time.Time       `json:"enqueued"`
}

// Decode unmarshals the job payload into dest.
func (j Job) Decode(dest interface{}) error {
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

// SendOptions controls delivery time and retry policy of one job.
type SendOptions struct {
	StartAfter   time.Duration
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// Queue is an at-least-once delayed-delivery queue.
type Queue interface {
	Send(ctx context.Context, queue string, payload interface{}, opts SendOptions) (string, error)
	Work(queue string, concurrency int, handler Handler) error
	Start(ctx context.Context) error
	Stop()
}

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	BufferSize        int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	Prefix            string
	Logger            *zap.Logger
}

func newJob(queue string, payload interface{}, opts SendOptions) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryLimit < 0 {
		opts.RetryLimit = 0
	}
	return Job{
		ID:           uuid.NewString(),
		Queue:        queue,
		Payload:      raw,
		RetryLimit:   opts.RetryLimit,
		RetryDelay:   opts.RetryDelay,
		RetryBackoff: opts.RetryBackoff,
		Enqueued:     time.Now().UTC(),
	}, nil
}

// RetryIn returns the wait before the next attempt of a job that has failed Attempt times.
func (j Job) RetryIn() time.Duration {
	if !j.RetryBackoff || j.Attempt <= 1 {
		return j.RetryDelay
	}
	delay := j.RetryDelay
	for i := 1; i < j.Attempt; i++ {
		delay *= 2
		if delay > time.Hour {
			return time.Hour
		}
	}
	return delay
}

// Exhausted reports whether the job used up its retries.
func (j Job) Exhausted() bool {
	return j.Attempt > j.RetryLimit
}

type worker struct {
	concurrency int
	handler     Handler
}

// MemoryQueue is an in-process delayed queue backed by goroutines. Jobs do not survive restarts.
type MemoryQueue struct {
	bufferSize int
	logger     *zap.Logger

	workers map[string]worker
	chans   map[string]chan Job
	timers  map[*time.Timer]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewMemoryQueue builds an in-memory queue.
func NewMemoryQueue(cfg QueueConfig) *MemoryQueue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &MemoryQueue{
		bufferSize: cfg.BufferSize,
		logger:     cfg.Logger,
		workers:    make(map[string]worker),
		chans:      make(map[string]chan Job),
		timers:     make(map[*time.Timer]struct{}),
	}
}

// Work registers the handler for a queue. Must be called before Start.
func (q *MemoryQueue) Work(queue string, concurrency int, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue %s: register worker before start", queue)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	q.workers[queue] = worker{concurrency: concurrency, handler: handler}
	q.chanFor(queue)
	return nil
}

// Start begins worker consumption. Safe to call once.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for name, w := range q.workers {
		ch := q.chanFor(name)
		for i := 0; i < w.concurrency; i++ {
			q.wg.Add(1)
			go q.run(name, ch, w.handler)
		}
		q.logger.Sugar().Infow("queue started", "queue", name, "workers", w.concurrency)
	}
	q.started = true
	return nil
}

// Stop cancels workers and pending timers and waits for workers to exit.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	for t := range q.timers {
		t.Stop()
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("memory queue stopped")
}

// Send schedules a job for delivery after opts.StartAfter.
func (q *MemoryQueue) Send(ctx context.Context, queue string, payload interface{}, opts SendOptions) (string, error) {
	job, err := newJob(queue, payload, opts)
	if err != nil {
		return "", err
	}
	if err := q.schedule(ctx, job, opts.StartAfter); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *MemoryQueue) schedule(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return fmt.Errorf("queue %s not started", job.Queue)
	}
	ch := q.chanFor(job.Queue)
	if delay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return fmt.Errorf("queue %s stopped: %w", job.Queue, q.ctx.Err())
		case ch <- job:
			return nil
		default:
			// buffer full; hand off asynchronously
			delay = time.Millisecond
		}
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		qctx := q.ctx
		q.mu.Unlock()
		select {
		case <-qctx.Done():
		case ch <- job:
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) chanFor(queue string) chan Job {
	ch, ok := q.chans[queue]
	if !ok {
		ch = make(chan Job, q.bufferSize)
		q.chans[queue] = ch
	}
	return ch
}

func (q *MemoryQueue) run(name string, ch chan Job, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-ch:
			if err := handler(q.ctx, job); err != nil {
				q.handleFailure(job, err)
			}
		}
	}
}

func (q *MemoryQueue) handleFailure(job Job, err error) {
	job.Attempt++
	if job.Exhausted() {
		q.logger.Sugar().Errorw("job exceeded retries", "queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt, "error", err)
		return
	}
	delay := job.RetryIn()
	q.logger.Sugar().Warnw("job failed, retrying", "queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt, "retry_in", delay, "error", err)
	if scheduleErr := q.schedule(context.Background(), job, delay); scheduleErr != nil {
		q.logger.Sugar().Errorw("failed to requeue job", "queue", job.Queue, "job_id", job.ID, "error", scheduleErr)
	}
}
