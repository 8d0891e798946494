package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "diorama:jobs"

// RedisQueue is a shared FIFO queue over LPUSH/BRPOP, for running the
// pool across processes.
type RedisQueue struct {
	rdb  *redis.Client
	key  string
	poll time.Duration
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisQueue{rdb: rdb, key: key, poll: 5 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.rdb.LPush(ctx, q.key, job).Err(); err != nil {
		return fmt.Errorf("worker: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		vals, err := q.rdb.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			// Queue empty for one poll interval.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("worker: dequeue: %w", err)
		}
		var job Job
		if err := job.UnmarshalBinary([]byte(vals[1])); err != nil {
			return nil, fmt.Errorf("worker: decode job: %w", err)
		}
		return &job, nil
	}
}

// RedisTracker keeps job status in Redis with a TTL, so lookups work
// from any process that shares the queue.
type RedisTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTracker(rdb *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTracker{rdb: rdb, ttl: ttl}
}

func (t *RedisTracker) Put(ctx context.Context, job *Job) error {
	if err := t.rdb.Set(ctx, jobKey(job.ID), job, t.ttl).Err(); err != nil {
		return fmt.Errorf("worker: track job %s: %w", job.ID, err)
	}
	return nil
}

func (t *RedisTracker) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := t.rdb.Get(ctx, jobKey(id)).Scan(&job)
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("worker: lookup job %s: %w", id, err)
	}
	return &job, nil
}

func jobKey(id string) string {
	return "job:" + id
}
