// Package worker provides the background processor that consumes and
// executes jobs from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/metrics"
	"github.com/histq/histq/internal/queue"
)

// Handler executes one job and returns its result value.
type Handler func(ctx context.Context, j *job.Job) (string, error)

// FailureNotifier is told about permanently failed jobs. Implementations
// must not block the worker for long.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, j *job.Job)
}

type Worker struct {
	id           string
	queue        *queue.Queue
	queues       []string
	handlers     map[string]Handler
	stop         chan struct{}
	pollInterval time.Duration
	notifier     FailureNotifier
}

func NewWorker(id string, q *queue.Queue, queues ...string) *Worker {
	if len(queues) == 0 {
		queues = []string{queue.DefaultQueue, queue.ScheduledQueue}
	}
	return &Worker{
		id:           id,
		queue:        q,
		queues:       queues,
		handlers:     make(map[string]Handler),
		stop:         make(chan struct{}),
		pollInterval: time.Second,
	}
}

func (w *Worker) RegisterHandler(jobType string, handler Handler) {
	w.handlers[jobType] = handler
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

func (w *Worker) SetFailureNotifier(n FailureNotifier) {
	w.notifier = n
}

func (w *Worker) Start(ctx context.Context) {
	log.Printf("Worker %s started, consuming queues %v", w.id, w.queues)

	for {
		select {
		case <-w.stop:
			log.Printf("Worker %s stopped", w.id)
			return
		case <-ctx.Done():
			log.Printf("Worker %s context cancelled", w.id)
			return
		default:
			j, err := w.queue.Dequeue(ctx, w.queues...)
			if err != nil || j == nil {
				time.Sleep(w.pollInterval)
				continue
			}

			w.processJob(ctx, j)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, j *job.Job) {
	log.Printf("Worker %s processing job %s (type: %s)", w.id, j.ID, j.Type)

	cancelled, err := w.queue.IsCancelled(ctx, j.ID)
	if err == nil && cancelled {
		w.markCancelled(ctx, j)
		return
	}

	now := time.Now().UTC()
	j.Status = job.StatusRunning
	j.StartedAt = &now
	if err := w.queue.Update(ctx, j); err != nil {
		log.Printf("Failed to update job status to running: %v", err)
	}

	handler, exists := w.handlers[j.Type]
	if !exists {
		w.markFailed(ctx, j, fmt.Sprintf("no handler for job type: %s", j.Type))
		return
	}

	result, err := handler(ctx, j)
	completedAt := time.Now().UTC()

	if cancelled, cErr := w.queue.IsCancelled(ctx, j.ID); cErr == nil && cancelled {
		w.markCancelled(ctx, j)
		return
	}

	if err != nil {
		var permanent *job.PermanentError
		j.RetryCount++
		if !errors.As(err, &permanent) && j.RetryCount < j.MaxRetries {
			j.Status = job.StatusPending
			j.ScheduledAt = time.Now().Add(time.Duration(j.RetryCount) * 10 * time.Second)
			if err := w.queue.Enqueue(ctx, j); err != nil {
				log.Printf("Failed to re-enqueue job: %v", err)
			}
			metrics.RecordJobRetried(j.Type)
			log.Printf("Job %s failed, will retry (%d/%d): %v", j.ID, j.RetryCount, j.MaxRetries, err)
			return
		}

		j.CompletedAt = &completedAt
		w.markFailed(ctx, j, err.Error())
		log.Printf("Job %s failed permanently: %v", j.ID, err)
		return
	}

	j.Status = job.StatusSucceeded
	j.Result = result
	j.CompletedAt = &completedAt
	if err := w.queue.Update(ctx, j); err != nil {
		log.Printf("Failed to update completed job: %v", err)
	}

	if j.StartedAt != nil {
		metrics.RecordJobCompleted(j.Type, completedAt.Sub(*j.StartedAt))
	}
	log.Printf("Job %s completed successfully", j.ID)
}

func (w *Worker) markCancelled(ctx context.Context, j *job.Job) {
	now := time.Now().UTC()
	j.Status = job.StatusCancelled
	j.CompletedAt = &now
	if err := w.queue.Update(ctx, j); err != nil {
		log.Printf("Failed to update cancelled job: %v", err)
	}
	log.Printf("Job %s cancelled", j.ID)
}

func (w *Worker) markFailed(ctx context.Context, j *job.Job, reason string) {
	j.Status = job.StatusFailed
	j.Error = reason
	if err := w.queue.Update(ctx, j); err != nil {
		log.Printf("Failed to update failed job: %v", err)
	}

	var started time.Time
	if j.StartedAt != nil {
		started = *j.StartedAt
	} else {
		started = time.Now().UTC()
	}
	metrics.RecordJobFailed(j.Type, time.Since(started))

	if w.notifier != nil {
		w.notifier.NotifyFailure(ctx, j)
	}
}

func (w *Worker) Stop() {
	close(w.stop)
}
