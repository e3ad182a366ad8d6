// Package queue implements the shared Redis-backed job queue. Delivery is
// at-least-once: consumers must tolerate duplicates, and correctness of
// store-job creation is guarded by the dedup lock, not by the queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/histq/histq/internal/job"
)

const (
	jobsKey      = "jobs"
	cancelledKey = "jobs:cancelled"
)

// Fallback queue names for data sources that do not define their own
// partitions. Scheduled work routes to its own partition so backfills and
// ad-hoc requests cannot starve it.
const (
	DefaultQueue   = "queries"
	ScheduledQueue = "scheduled_queries"
)

var ErrNotFound = errors.New("queue: job not found")

type Queue struct {
	client *redis.Client
}

func NewQueue(redisAddr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewQueueWithClient shares an existing client so the queue, the dedup lock
// and the trackers all live in the same keyspace.
func NewQueueWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func queueKey(name string) string {
	return "jobs:queue:" + name
}

func (q *Queue) Enqueue(ctx context.Context, j *job.Job) error {
	if j.Queue == "" {
		j.Queue = DefaultQueue
	}

	jobJSON, err := j.ToJSON()
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobsKey, j.ID, jobJSON)
		pipe.ZAdd(ctx, queueKey(j.Queue), redis.Z{
			Score:  float64(j.ScheduledAt.Unix()),
			Member: j.ID,
		})
		return nil
	})
	return err
}

// EnqueueIn queues the enqueue writes onto an existing pipeline, for callers
// that must commit the job atomically with other keys.
func (q *Queue) EnqueueIn(ctx context.Context, pipe redis.Pipeliner, j *job.Job) error {
	if j.Queue == "" {
		j.Queue = DefaultQueue
	}

	jobJSON, err := j.ToJSON()
	if err != nil {
		return err
	}

	pipe.HSet(ctx, jobsKey, j.ID, jobJSON)
	pipe.ZAdd(ctx, queueKey(j.Queue), redis.Z{
		Score:  float64(j.ScheduledAt.Unix()),
		Member: j.ID,
	})
	return nil
}

// Dequeue pops the oldest due job from the first non-empty queue in names.
// Returns (nil, nil) when nothing is due.
func (q *Queue) Dequeue(ctx context.Context, names ...string) (*job.Job, error) {
	maxScore := fmt.Sprintf("%d", time.Now().Unix())

	for _, name := range names {
		ids, err := q.client.ZRangeByScore(ctx, queueKey(name), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}

		jobID := ids[0]
		removed, err := q.client.ZRem(ctx, queueKey(name), jobID).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Another worker won the race for this job.
			continue
		}

		return q.Get(ctx, jobID)
	}

	return nil, nil
}

func (q *Queue) Update(ctx context.Context, j *job.Job) error {
	jobJSON, err := j.ToJSON()
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, jobsKey, j.ID, jobJSON).Err()
}

func (q *Queue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	jobJSON, err := q.client.HGet(ctx, jobsKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job.FromJSON(jobJSON)
}

// Cancel marks a job cancelled. A pending job is removed from its queue
// immediately; a running job keeps running until its worker observes the
// cancellation flag.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	j, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if j.Status.Terminal() {
		return nil
	}

	if j.Status == job.StatusPending {
		if err := q.client.ZRem(ctx, queueKey(j.Queue), jobID).Err(); err != nil {
			return err
		}
		j.Status = job.StatusCancelled
		now := time.Now().UTC()
		j.CompletedAt = &now
		return q.Update(ctx, j)
	}

	return q.client.SAdd(ctx, cancelledKey, jobID).Err()
}

// IsCancelled is polled by workers between processing steps.
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	return q.client.SIsMember(ctx, cancelledKey, jobID).Result()
}

func (q *Queue) All(ctx context.Context) ([]*job.Job, error) {
	jobMap, err := q.client.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(jobMap))
	for _, jobJSON := range jobMap {
		j, err := job.FromJSON(jobJSON)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}

	return jobs, nil
}

// Client exposes the underlying connection for components sharing the same
// Redis instance (dedup lock, trackers).
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}
