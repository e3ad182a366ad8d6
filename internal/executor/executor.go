// Package executor materializes historical snapshots. It is the unit of work
// behind store_snapshot jobs: wait for the triggering execution to finish,
// bind to its latest result, write the immutable record, release the dedup
// lock, and close out the tracker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/metrics"
	"github.com/histq/histq/internal/tracker"
)

// ErrSourceQueryTimeout reports that the triggering execution never left the
// in-progress set within the wait bound. The snapshot is not retried with
// stale data; the lock is released so later requests are not blocked.
var ErrSourceQueryTimeout = errors.New("executor: timed out waiting for source query execution")

const (
	DefaultPollInterval = time.Second
	DefaultWaitTimeout  = 10 * time.Minute
)

type Executor struct {
	guard        *dedup.Guard
	engine       engine.Engine
	store        *history.Store
	pollInterval time.Duration
	waitTimeout  time.Duration
}

func New(guard *dedup.Guard, eng engine.Engine, store *history.Store) *Executor {
	return &Executor{
		guard:        guard,
		engine:       eng,
		store:        store,
		pollInterval: DefaultPollInterval,
		waitTimeout:  DefaultWaitTimeout,
	}
}

func (e *Executor) SetPollInterval(d time.Duration) {
	e.pollInterval = d
}

func (e *Executor) SetWaitTimeout(d time.Duration) {
	e.waitTimeout = d
}

// Handler adapts Run into a worker handler for store_snapshot jobs.
func (e *Executor) Handler() func(ctx context.Context, j *job.Job) (string, error) {
	return func(ctx context.Context, j *job.Job) (string, error) {
		recordID, err := e.Run(ctx, j)
		if errors.Is(err, ErrSourceQueryTimeout) {
			// Retrying would just wait on the same dead execution.
			return "", job.Permanent(err)
		}
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(recordID, 10), nil
	}
}

// Run executes one store job and returns the new record's id.
func (e *Executor) Run(ctx context.Context, j *job.Job) (int64, error) {
	templateQuery := j.PayloadString("template_query")
	renderedQuery := j.PayloadString("query")
	queryTaskID := j.PayloadString("query_task_id")

	dataSourceID, orgID, err := payloadIDs(j)
	if err != nil {
		return 0, err
	}

	dataTimestamp, err := j.PayloadTime("data_timestamp")
	if err != nil {
		return 0, fmt.Errorf("invalid 'data_timestamp' field: %w", err)
	}

	queryHash := history.Hash(renderedQuery)

	// Lookup-or-create keyed by job id so a run resumed after a worker
	// restart picks up its own entry instead of creating a parallel one.
	entry, err := e.guard.Tracker().LookupOrCreate(ctx, j.ID, queryHash, dataSourceID, dataTimestamp)
	if err != nil {
		return 0, err
	}
	if entry.State == tracker.StateCreated {
		if err := e.guard.Tracker().Start(ctx, entry); err != nil {
			return 0, err
		}
	}

	result, err := e.waitForSource(ctx, queryTaskID, dataSourceID, renderedQuery)
	if err != nil {
		// Only the timeout path gives up the lock: the job will never
		// produce a snapshot, so the key must not stay blocked by it.
		// Transient errors keep the lock so the worker's retry stays
		// deduplicated against concurrent identical requests.
		if errors.Is(err, ErrSourceQueryTimeout) {
			if relErr := e.guard.Release(ctx, queryHash, dataSourceID, dataTimestamp); relErr != nil {
				log.Printf("[%s] failed to release lock after wait timeout: %v", queryHash, relErr)
			}
			if entry.State == tracker.StateStarted {
				if finErr := e.guard.Tracker().Finish(ctx, entry); finErr != nil {
					log.Printf("[%s] failed to finish tracker: %v", queryHash, finErr)
				}
			}
		}
		return 0, err
	}

	record := &history.Record{
		OrgID:         orgID,
		DataSourceID:  dataSourceID,
		QueryHash:     history.Hash(templateQuery),
		Query:         templateQuery,
		Data:          result.Data,
		Runtime:       result.Runtime,
		RetrievedAt:   result.RetrievedAt,
		DataTimestamp: dataTimestamp,
	}

	recordID, err := e.store.WriteSnapshot(ctx, record)
	if err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}
	metrics.RecordSnapshotWritten()

	// Release before declaring success: a subsequent identical request must
	// not be blocked by a lock for work that is already done.
	if err := e.guard.Release(ctx, queryHash, dataSourceID, dataTimestamp); err != nil {
		return 0, fmt.Errorf("failed to release store job lock: %w", err)
	}

	if entry.State == tracker.StateStarted {
		if err := e.guard.Tracker().Finish(ctx, entry); err != nil {
			return 0, err
		}
	}

	log.Printf("[%s] Stored snapshot %d for data_timestamp=%s", queryHash, recordID, dataTimestamp.Format(time.RFC3339))
	return recordID, nil
}

// waitForSource polls until the triggering execution job has left the
// in-progress set and its result is actually readable. Checking the result
// as well guards against the window where the tracker clears a moment before
// the result row is durable.
func (e *Executor) waitForSource(ctx context.Context, queryTaskID string, dataSourceID int, renderedQuery string) (*engine.Result, error) {
	started := time.Now()
	deadline := started.Add(e.waitTimeout)

	for {
		if queryTaskID != "" {
			inProgress, err := e.engine.IsInProgress(ctx, queryTaskID)
			if err != nil {
				return nil, err
			}
			if inProgress {
				if err := e.sleep(ctx, deadline); err != nil {
					return nil, err
				}
				continue
			}
		}

		result, err := e.engine.LatestResult(ctx, dataSourceID, renderedQuery)
		if err == nil {
			metrics.RecordExecutorWait(time.Since(started).Seconds())
			return result, nil
		}
		if !errors.Is(err, engine.ErrNoResult) {
			return nil, err
		}

		if err := e.sleep(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) sleep(ctx context.Context, deadline time.Time) error {
	if time.Now().After(deadline) {
		return ErrSourceQueryTimeout
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.pollInterval):
		return nil
	}
}

func payloadIDs(j *job.Job) (dataSourceID, orgID int, err error) {
	ds, ok := payloadInt(j.Payload, "data_source_id")
	if !ok {
		return 0, 0, errors.New("missing 'data_source_id' field")
	}
	org, ok := payloadInt(j.Payload, "org_id")
	if !ok {
		return 0, 0, errors.New("missing 'org_id' field")
	}
	return ds, org, nil
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
