// Package store is the orchestrator's upward-facing surface: store requests,
// time-range backfills, job status, and the joined history read path. The
// HTTP layer is a thin shell over this service.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/render"
)

var ErrNotFound = errors.New("store: not found")

// Catalog is the slice of the query catalog the service reads.
type Catalog interface {
	GetQueryByID(ctx context.Context, id int) (*catalog.Query, error)
	GetDataSourceByID(ctx context.Context, id, orgID int) (*catalog.DataSource, error)
}

type Service struct {
	catalog Catalog
	engine  engine.Engine
	guard   *dedup.Guard
	history *history.Store
	queue   *queue.Queue
}

func NewService(cat Catalog, eng engine.Engine, guard *dedup.Guard, hist *history.Store, q *queue.Queue) *Service {
	return &Service{
		catalog: cat,
		engine:  eng,
		guard:   guard,
		history: hist,
		queue:   q,
	}
}

// JobStatus is the job view returned to API callers, with the numeric status
// codes clients already understand.
type JobStatus struct {
	ID            string `json:"id"`
	Status        int    `json:"status"`
	Error         string `json:"error"`
	StoreResultID *int64 `json:"store_result_id"`
	UpdatedAt     int64  `json:"updated_at"`
}

func jobStatus(j *job.Job) *JobStatus {
	s := &JobStatus{
		ID:     j.ID,
		Status: j.Status.Code(),
		Error:  j.Error,
	}

	if j.Status == job.StatusCancelled && s.Error == "" {
		s.Error = "Store job cancelled."
	}

	if j.Status == job.StatusSucceeded && j.Result != "" {
		if id, err := strconv.ParseInt(j.Result, 10, 64); err == nil {
			s.StoreResultID = &id
		}
	}

	if j.StartedAt != nil {
		s.UpdatedAt = j.StartedAt.Unix()
	}

	return s
}

type StoreRequest struct {
	DataSourceID    int
	QueryID         int
	QueryText       string
	DataTimestamp   *time.Time
	TriggeringJobID string
	// MaxAge is the reuse threshold in seconds. Zero means never reuse a
	// prior snapshot; a positive value returns a still-fresh matching
	// history directly instead of enqueueing work.
	MaxAge int
}

// StoreResponse carries either the job handle for enqueued work or the
// joined result when a fresh enough history was reused.
type StoreResponse struct {
	Job    *JobStatus         `json:"job,omitempty"`
	Result *history.QueryData `json:"historical_query_result,omitempty"`
}

// RequestStore is the main entry point: reuse a fresh snapshot set when
// allowed, otherwise run the dedup guard and hand back the (new or existing)
// store job.
func (s *Service) RequestStore(ctx context.Context, req StoreRequest) (*StoreResponse, error) {
	q, err := s.catalog.GetQueryByID(ctx, req.QueryID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ds, err := s.catalog.GetDataSourceByID(ctx, req.DataSourceID, q.OrgID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	templateHash := history.Hash(q.Query)

	if req.MaxAge > 0 && req.TriggeringJobID == "" {
		records, err := s.history.SnapshotsByHash(ctx, templateHash, q.OrgID)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			latest := records[len(records)-1]
			if time.Since(latest.RetrievedAt) <= time.Duration(req.MaxAge)*time.Second {
				return &StoreResponse{Result: history.Join(records)}, nil
			}
		}
	}

	renderedText := req.QueryText
	if renderedText == "" {
		renderedText, err = render.Render(q.Query, catalog.ParameterValues(q.Parameters))
		if err != nil {
			return nil, err
		}
	}

	dataTimestamp := time.Now().UTC()
	if req.DataTimestamp != nil {
		dataTimestamp = req.DataTimestamp.UTC()
	}

	storeJob, err := s.guard.Submit(ctx, ds, q.Query, renderedText, dataTimestamp, req.TriggeringJobID, false)
	if err != nil {
		return nil, err
	}

	return &StoreResponse{Job: jobStatus(storeJob)}, nil
}

// RequestStoreOverTimeRange drives a bounded backfill: one execution+store
// pair per interval boundary from `from` to `to` inclusive. Returns the job
// handle of the last iteration.
func (s *Service) RequestStoreOverTimeRange(ctx context.Context, dataSourceID, queryID int, from, to time.Time, intervalHours int) (*StoreResponse, error) {
	if intervalHours <= 0 {
		return nil, fmt.Errorf("execution interval must be positive, got %d", intervalHours)
	}

	q, err := s.catalog.GetQueryByID(ctx, queryID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ds, err := s.catalog.GetDataSourceByID(ctx, dataSourceID, q.OrgID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var lastJob *job.Job
	interval := time.Duration(intervalHours) * time.Hour

	for current := from.UTC(); !current.After(to.UTC()); current = current.Add(interval) {
		params := catalog.ParameterValues(q.Parameters)
		params[catalog.TimestampParameter] = current

		renderedText, err := render.Render(q.Query, params)
		if err != nil {
			return nil, err
		}

		execJob, err := s.engine.SubmitExecution(ctx, renderedText, ds, false, map[string]any{
			"query_id": q.ID,
		})
		if err != nil {
			return nil, err
		}

		lastJob, err = s.guard.Submit(ctx, ds, q.Query, renderedText, current, execJob.ID, false)
		if err != nil {
			return nil, err
		}
	}

	if lastJob == nil {
		return nil, fmt.Errorf("empty time range: %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	return &StoreResponse{Job: jobStatus(lastJob)}, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*JobStatus, error) {
	j, err := s.queue.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return jobStatus(j), nil
}

func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	err := s.queue.Cancel(ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// GetHistoryByQuery joins all snapshots recorded for a query's template hash.
func (s *Service) GetHistoryByQuery(ctx context.Context, queryID int) (*history.QueryData, error) {
	q, err := s.catalog.GetQueryByID(ctx, queryID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.joinByHash(ctx, history.Hash(q.Query), q.OrgID)
}

// GetHistoryByRecord resolves a single stored record back to its full
// per-hash history.
func (s *Service) GetHistoryByRecord(ctx context.Context, recordID int64) (*history.QueryData, error) {
	r, err := s.history.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.joinByHash(ctx, r.QueryHash, r.OrgID)
}

func (s *Service) joinByHash(ctx context.Context, queryHash string, orgID int) (*history.QueryData, error) {
	records, err := s.history.SnapshotsByHash(ctx, queryHash, orgID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return history.Join(records), nil
}
