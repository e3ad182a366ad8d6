// Package dedup implements the distributed lock that collapses concurrent
// store requests for the same (query hash, data source, data timestamp) into
// a single job. The lock is the system's only correctness-bearing piece of
// shared state: its presence is both necessary and sufficient evidence of an
// outstanding store job for that key.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/metrics"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/tracker"
)

// ErrLock reports a lock-store transaction that could not be completed. The
// caller surfaces it as a job-creation failure; it is safe to retry.
var ErrLock = errors.New("dedup: failed to acquire store job lock")

// DefaultLockExpiry bounds how long a crashed worker's lock can linger
// before it self-heals even without the stale-lock check firing.
const DefaultLockExpiry = 12 * time.Hour

// LockKey derives the dedup lock key for a store job identity.
func LockKey(queryHash string, dataSourceID int, dataTimestamp time.Time) string {
	return fmt.Sprintf("store_job:%d:%s:%s", dataSourceID, queryHash, dataTimestamp.UTC().Format(time.RFC3339))
}

type Guard struct {
	client  *redis.Client
	queue   *queue.Queue
	tracker *tracker.Tracker
	expiry  time.Duration
}

func NewGuard(q *queue.Queue, expiry time.Duration) *Guard {
	if expiry <= 0 {
		expiry = DefaultLockExpiry
	}
	return &Guard{
		client:  q.Client(),
		queue:   q,
		tracker: tracker.NewStoreTracker(q.Client()),
		expiry:  expiry,
	}
}

func (g *Guard) Tracker() *tracker.Tracker {
	return g.tracker
}

// Submit returns the store job for the given identity, creating one if no
// non-terminal job holds the lock. The read-check-write sequence runs under
// WATCH so of two concurrent callers exactly one creates the job and the
// other aborts with a conflict.
func (g *Guard) Submit(ctx context.Context, ds *catalog.DataSource, templateQueryText, renderedQueryText string, dataTimestamp time.Time, triggeringJobID string, scheduled bool) (*job.Job, error) {
	queryHash := history.Hash(renderedQueryText)
	lockKey := LockKey(queryHash, ds.ID, dataTimestamp)

	var result *job.Job

	txf := func(tx *redis.Tx) error {
		jobID, err := tx.Get(ctx, lockKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		if jobID != "" {
			existing, err := g.queue.Get(ctx, jobID)
			switch {
			case err == nil && !existing.Status.Terminal():
				log.Printf("[%s] Found existing store job: %s", queryHash, jobID)
				result = existing
				return nil
			case err != nil && !errors.Is(err, queue.ErrNotFound):
				return err
			default:
				// The lock points at a terminal or vanished job: a prior
				// worker crashed before cleanup. Recover by treating the
				// lock as absent; the MULTI below overwrites it.
				log.Printf("[%s] Stale lock for job %s, recovering", queryHash, jobID)
				metrics.RecordStaleLockRecovered()
			}
		}

		newJob := job.New(job.TypeStoreSnapshot, storeQueue(ds, scheduled), map[string]any{
			"template_query": templateQueryText,
			"query":          renderedQueryText,
			"data_source_id": ds.ID,
			"org_id":         ds.OrgID,
			"data_timestamp": dataTimestamp.UTC().Format(time.RFC3339),
			"query_task_id":  triggeringJobID,
			"scheduled":      scheduled,
		})

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := g.queue.EnqueueIn(ctx, pipe, newJob); err != nil {
				return err
			}
			if _, err := g.tracker.CreateIn(ctx, pipe, newJob.ID, queryHash, ds.ID, dataTimestamp); err != nil {
				return err
			}
			pipe.Set(ctx, lockKey, newJob.ID, g.expiry)
			return nil
		})
		if err != nil {
			return err
		}

		log.Printf("[%s] Created new store job: %s", queryHash, newJob.ID)
		metrics.RecordJobEnqueued(job.TypeStoreSnapshot, newJob.Queue)
		result = newJob
		return nil
	}

	err := g.client.Watch(ctx, txf, lockKey)
	if errors.Is(err, redis.TxFailedErr) {
		// The watched key changed under us: another caller just created the
		// job this caller wants. One re-read is sufficient; no hot retry.
		metrics.RecordDedupConflict()
		if jobID, getErr := g.client.Get(ctx, lockKey).Result(); getErr == nil {
			if existing, qErr := g.queue.Get(ctx, jobID); qErr == nil {
				return existing, nil
			}
		}
		return nil, ErrLock
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLock, err)
	}

	return result, nil
}

// Release deletes the lock for a store job identity. Called by the executor
// before declaring success, and on the timeout failure path, so a later
// identical request is not blocked by a dead lock.
func (g *Guard) Release(ctx context.Context, queryHash string, dataSourceID int, dataTimestamp time.Time) error {
	return g.client.Del(ctx, LockKey(queryHash, dataSourceID, dataTimestamp)).Err()
}

func storeQueue(ds *catalog.DataSource, scheduled bool) string {
	if scheduled {
		if ds.ScheduledQueueName != "" {
			return ds.ScheduledQueueName
		}
		return queue.ScheduledQueue
	}
	if ds.QueueName != "" {
		return ds.QueueName
	}
	return queue.DefaultQueue
}
