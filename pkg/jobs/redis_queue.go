package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimScript moves the first due job from the scheduled set into the active set,
// scored by its visibility deadline.
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
  return false
end
redis.call('ZREM', KEYS[1], items[1])
redis.call('ZADD', KEYS[2], ARGV[2], items[1])
return items[1]
`)

// reapBatch bounds how many expired deliveries one reaper tick inspects.
const reapBatch = 100

// RedisQueue is a durable delayed queue on Redis sorted sets.
// A claimed job stays in the active set until acknowledged; if the worker dies
// the reaper makes it visible again after the visibility timeout, counting the
// lost delivery as a failed attempt.
type RedisQueue struct {
	client     redis.UniversalClient
	prefix     string
	pollEvery  time.Duration
	visibility time.Duration
	logger     *zap.Logger

	workers map[string]worker

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRedisQueue builds a queue on the given client.
func NewRedisQueue(client redis.UniversalClient, cfg QueueConfig) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "docstore:queue"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RedisQueue{
		client:     client,
		prefix:     cfg.Prefix,
		pollEvery:  cfg.PollInterval,
		visibility: cfg.VisibilityTimeout,
		logger:     cfg.Logger,
		workers:    make(map[string]worker),
	}
}

func (q *RedisQueue) scheduledKey(queue string) string { return q.prefix + ":" + queue + ":scheduled" }
func (q *RedisQueue) activeKey(queue string) string    { return q.prefix + ":" + queue + ":active" }
func (q *RedisQueue) deadKey(queue string) string      { return q.prefix + ":" + queue + ":dead" }

// Send stores the job in the scheduled set, deliverable after opts.StartAfter.
func (q *RedisQueue) Send(ctx context.Context, queue string, payload interface{}, opts SendOptions) (string, error) {
	job, err := newJob(queue, payload, opts)
	if err != nil {
		return "", err
	}
	member, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	deliverAt := time.Now().Add(opts.StartAfter)
	if err := q.client.ZAdd(ctx, q.scheduledKey(queue), redis.Z{Score: score(deliverAt), Member: member}).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", queue, err)
	}
	return job.ID, nil
}

// Work registers the handler for a queue. Must be called before Start.
func (q *RedisQueue) Work(queue string, concurrency int, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue %s: register worker before start", queue)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	q.workers[queue] = worker{concurrency: concurrency, handler: handler}
	return nil
}

// Start launches pollers for every registered queue plus the visibility reaper.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for name, w := range q.workers {
		for i := 0; i < w.concurrency; i++ {
			q.wg.Add(1)
			go q.poll(runCtx, name, w.handler)
		}
		q.wg.Add(1)
		go q.reap(runCtx, name)
		q.logger.Sugar().Infow("queue started", "queue", name, "workers", w.concurrency, "driver", "redis")
	}
	q.started = true
	return nil
}

// Stop halts pollers and waits for in-flight handlers to return.
func (q *RedisQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("redis queue stopped")
}

func (q *RedisQueue) poll(ctx context.Context, queue string, handler Handler) {
	defer q.wg.Done()
	for {
		claimed, err := q.claim(ctx, queue)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("claim job failed", zap.String("queue", queue), zap.Error(err))
		}
		if claimed == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollEvery):
			}
			continue
		}
		q.process(ctx, queue, claimed, handler)
	}
}

func (q *RedisQueue) claim(ctx context.Context, queue string) (string, error) {
	now := time.Now()
	member, err := claimScript.Run(ctx, q.client,
		[]string{q.scheduledKey(queue), q.activeKey(queue)},
		score(now), score(now.Add(q.visibility)),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return member, nil
}

func (q *RedisQueue) process(ctx context.Context, queue, member string, handler Handler) {
	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		q.logger.Error("drop undecodable job", zap.String("queue", queue), zap.Error(err))
		q.moveToDead(ctx, queue, member, member)
		return
	}
	handlerErr := handler(ctx, job)
	if handlerErr == nil {
		if err := q.client.ZRem(ctx, q.activeKey(queue), member).Err(); err != nil {
			q.logger.Warn("ack job failed", zap.String("queue", queue), zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	if ctx.Err() != nil {
		// shutting down; the reaper redelivers after the visibility timeout
		return
	}

	job.Attempt++
	next, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("encode retried job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if job.Exhausted() {
		q.logger.Error("job exceeded retries",
			zap.String("queue", queue), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(handlerErr))
		q.moveToDead(ctx, queue, member, string(next))
		return
	}
	delay := job.RetryIn()
	q.logger.Warn("job failed, retrying",
		zap.String("queue", queue), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt),
		zap.Duration("retry_in", delay), zap.Error(handlerErr))
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(queue), member)
		pipe.ZAdd(ctx, q.scheduledKey(queue), redis.Z{Score: score(time.Now().Add(delay)), Member: next})
		return nil
	})
	if err != nil {
		q.logger.Error("requeue job failed", zap.String("queue", queue), zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *RedisQueue) moveToDead(ctx context.Context, queue, member, dead string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(queue), member)
		pipe.LPush(ctx, q.deadKey(queue), dead)
		return nil
	})
	if err != nil {
		q.logger.Error("move job to dead list failed", zap.String("queue", queue), zap.Error(err))
	}
}

func (q *RedisQueue) reap(ctx context.Context, queue string) {
	defer q.wg.Done()
	interval := q.visibility / 4
	if interval < q.pollEvery {
		interval = q.pollEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.reapExpired(ctx, queue)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("reap expired jobs failed", zap.String("queue", queue), zap.Error(err))
				}
				continue
			}
			if n > 0 {
				q.logger.Warn("redelivering expired jobs", zap.String("queue", queue), zap.Int("count", n))
			}
		}
	}
}

// reapExpired moves deliveries whose visibility deadline passed out of the active set.
// Each move is a WATCH/MULTI transaction, so a job acknowledged meanwhile is left alone.
func (q *RedisQueue) reapExpired(ctx context.Context, queue string) (int, error) {
	now := time.Now()
	active := q.activeKey(queue)
	members, err := q.client.ZRangeByScore(ctx, active, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: reapBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	var reaped int
	for _, member := range members {
		dead, next := q.expire(queue, member)
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			if err := tx.ZScore(ctx, active, member).Err(); err != nil {
				return err
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, active, member)
				if dead {
					pipe.LPush(ctx, q.deadKey(queue), next)
				} else {
					pipe.ZAdd(ctx, q.scheduledKey(queue), redis.Z{Score: score(now), Member: next})
				}
				return nil
			})
			return err
		}, active)
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, redis.Nil), errors.Is(err, redis.TxFailedErr):
			// acknowledged or claimed concurrently; the next tick looks again
		default:
			return reaped, err
		}
	}
	return reaped, nil
}

// expire records a lost delivery on the job. It returns the member to store and
// whether the job belongs on the dead list.
func (q *RedisQueue) expire(queue, member string) (bool, string) {
	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		q.logger.Error("dead-letter undecodable expired job", zap.String("queue", queue), zap.Error(err))
		return true, member
	}
	job.Attempt++
	next, err := json.Marshal(job)
	if err != nil {
		return true, member
	}
	if job.Exhausted() {
		q.logger.Error("job timed out too often",
			zap.String("queue", queue), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, string(next)
	}
	return false, string(next)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
