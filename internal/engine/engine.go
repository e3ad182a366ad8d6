// Package engine is the query execution collaborator: it submits execution
// jobs, tracks their progress, and exposes their latest results. The store
// orchestrator only depends on the Engine interface.
package engine

import (
	"context"
	"time"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/metrics"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/tracker"
)

// Result is one finished execution of a rendered query.
type Result struct {
	ID          int64
	Data        history.QueryData
	Runtime     float64
	RetrievedAt time.Time
}

type Engine interface {
	SubmitExecution(ctx context.Context, renderedText string, ds *catalog.DataSource, scheduled bool, metadata map[string]any) (*job.Job, error)
	LatestResult(ctx context.Context, dataSourceID int, renderedText string) (*Result, error)
	IsInProgress(ctx context.Context, jobID string) (bool, error)
}

// QueueEngine runs executions through the shared job queue, with an
// execution-side tracker mirroring the store-side one.
type QueueEngine struct {
	queue   *queue.Queue
	tracker *tracker.Tracker
	results *ResultStore
}

func NewQueueEngine(q *queue.Queue, results *ResultStore) *QueueEngine {
	return &QueueEngine{
		queue:   q,
		tracker: tracker.NewQueryTracker(q.Client()),
		results: results,
	}
}

func (e *QueueEngine) SubmitExecution(ctx context.Context, renderedText string, ds *catalog.DataSource, scheduled bool, metadata map[string]any) (*job.Job, error) {
	queueName := ExecutionQueue(ds, scheduled)

	payload := map[string]any{
		"query":          renderedText,
		"data_source_id": ds.ID,
		"org_id":         ds.OrgID,
	}
	for k, v := range metadata {
		payload[k] = v
	}

	j := job.New(job.TypeExecuteQuery, queueName, payload)

	queryHash := history.Hash(renderedText)
	if _, err := e.tracker.Create(ctx, j.ID, queryHash, ds.ID, time.Now().UTC()); err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, j); err != nil {
		return nil, err
	}

	metrics.RecordJobEnqueued(job.TypeExecuteQuery, queueName)
	return j, nil
}

func (e *QueueEngine) LatestResult(ctx context.Context, dataSourceID int, renderedText string) (*Result, error) {
	return e.results.Latest(ctx, dataSourceID, history.Hash(renderedText))
}

// IsInProgress consults the execution tracker's in-progress bucket. Callers
// that must not read half-written results additionally re-check result
// availability; bucket membership alone can clear a moment before the result
// row is durable.
func (e *QueueEngine) IsInProgress(ctx context.Context, jobID string) (bool, error) {
	return e.tracker.InProgressContains(ctx, jobID)
}

func (e *QueueEngine) Tracker() *tracker.Tracker {
	return e.tracker
}

// ExecutionQueue picks the queue partition for an execution job.
func ExecutionQueue(ds *catalog.DataSource, scheduled bool) string {
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
