package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/metrics"
	"github.com/histq/histq/internal/tracker"
)

// Catalog is the slice of the query catalog the execution handler needs.
type Catalog interface {
	GetDataSourceByID(ctx context.Context, id, orgID int) (*catalog.DataSource, error)
}

// ExecutionHandler is the worker handler for execute_query jobs: it runs the
// rendered text against the data source, persists the result row, and drives
// the execution tracker through its lifecycle. The result row must be
// durable before the tracker leaves the in-progress bucket; dependent store
// jobs rely on that ordering.
func ExecutionHandler(eng *QueueEngine, cat Catalog, runner Runner) func(ctx context.Context, j *job.Job) (string, error) {
	return func(ctx context.Context, j *job.Job) (string, error) {
		renderedText := j.PayloadString("query")
		if renderedText == "" {
			return "", errors.New("missing 'query' field")
		}

		dataSourceID, orgID, err := payloadIDs(j)
		if err != nil {
			return "", err
		}

		entry, err := eng.tracker.LookupOrCreate(ctx, j.ID, history.Hash(renderedText), dataSourceID, time.Now().UTC())
		if err != nil {
			return "", err
		}
		if entry.State == tracker.StateCreated {
			if err := eng.tracker.Start(ctx, entry); err != nil {
				return "", err
			}
		}

		ds, err := cat.GetDataSourceByID(ctx, dataSourceID, orgID)
		if err != nil {
			return "", fmt.Errorf("unknown data source %d: %w", dataSourceID, err)
		}

		started := time.Now()
		data, err := runner.Run(ctx, ds, renderedText)
		if err != nil {
			// Leave the entry started so a retried attempt resumes it.
			return "", err
		}
		runtime := time.Since(started).Seconds()

		resultID, err := eng.results.Save(ctx, dataSourceID, orgID, renderedText, data, runtime, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("failed to save result: %w", err)
		}

		if entry.State == tracker.StateStarted {
			if err := eng.tracker.Finish(ctx, entry); err != nil {
				return "", err
			}
		}

		metrics.RecordExecutionRuntime(runtime)
		return strconv.FormatInt(resultID, 10), nil
	}
}

func payloadIDs(j *job.Job) (dataSourceID, orgID int, err error) {
	dataSourceID, ok := payloadInt(j.Payload, "data_source_id")
	if !ok {
		return 0, 0, errors.New("missing 'data_source_id' field")
	}
	orgID, ok = payloadInt(j.Payload, "org_id")
	if !ok {
		return 0, 0, errors.New("missing 'org_id' field")
	}
	return dataSourceID, orgID, nil
}

// payloadInt reads a numeric payload field, accepting both the float64 JSON
// decoding produces and plain ints from in-process callers.
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
