// Package scheduler drives the periodic refresh of recurring queries: for
// each definition due for a new bucket it renders the query, submits a fresh
// execution, and chains a store job to it via the dedup guard. The trigger
// cadence itself (cron, systemd timer) lives outside this package, as does
// serializing concurrent ticks.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/metrics"
	"github.com/histq/histq/internal/render"
)

const statusKey = "histq:status"

// Catalog is the read-only slice of the query catalog the scheduler needs.
type Catalog interface {
	OutdatedStoringQueries(ctx context.Context, now time.Time) ([]*catalog.Query, error)
	GetDataSourceByID(ctx context.Context, id, orgID int) (*catalog.DataSource, error)
}

type Scheduler struct {
	catalog Catalog
	engine  engine.Engine
	guard   *dedup.Guard
	client  *redis.Client

	// refreshDisabled administratively skips all enqueueing while still
	// counting queries as seen.
	refreshDisabled bool
}

func New(cat Catalog, eng engine.Engine, guard *dedup.Guard, client *redis.Client) *Scheduler {
	return &Scheduler{
		catalog: cat,
		engine:  eng,
		guard:   guard,
		client:  client,
	}
}

func (s *Scheduler) SetRefreshDisabled(disabled bool) {
	s.refreshDisabled = disabled
}

// RefreshOutdated runs one scheduler pass. A single query's failure is
// logged and does not abort the batch.
func (s *Scheduler) RefreshOutdated(ctx context.Context) error {
	log.Println("Refreshing outdated recurring queries...")
	now := time.Now().UTC()

	queries, err := s.catalog.OutdatedStoringQueries(ctx, now)
	if err != nil {
		return err
	}

	queryIDs := make([]int, 0, len(queries))
	for _, q := range queries {
		queryIDs = append(queryIDs, q.ID)

		if s.refreshDisabled {
			log.Printf("Refresh disabled, skipping query %d", q.ID)
			continue
		}

		ds, err := s.catalog.GetDataSourceByID(ctx, q.DataSourceID, q.OrgID)
		if err != nil {
			log.Printf("Skipping query %d: data source %d lookup failed: %v", q.ID, q.DataSourceID, err)
			continue
		}

		if ds.Paused {
			log.Printf("Skipping refresh of %d because data source %s is paused (%s)", q.ID, ds.Name, ds.PauseReason)
			continue
		}

		if err := s.refreshQuery(ctx, q, ds, now); err != nil {
			log.Printf("Failed to refresh query %d: %v", q.ID, err)
		}
	}

	s.publishStatus(ctx, len(queries), queryIDs, now)

	log.Printf("Done refreshing queries. Found %d outdated queries: %v", len(queries), queryIDs)
	return nil
}

func (s *Scheduler) refreshQuery(ctx context.Context, q *catalog.Query, ds *catalog.DataSource, now time.Time) error {
	params := catalog.ParameterValues(q.Parameters)

	if _, ok := params[catalog.TimestampParameter]; ok {
		if next := NextDataTimestamp(q.LatestDataTimestamp, q.Schedule, now); next != nil {
			params[catalog.TimestampParameter] = *next
		}
	}

	renderedText, err := render.Render(q.Query, params)
	if err != nil {
		return err
	}

	execJob, err := s.engine.SubmitExecution(ctx, renderedText, ds, true, map[string]any{
		"query_id": q.ID,
		"username": "Scheduled",
	})
	if err != nil {
		return err
	}

	dataTimestamp := parameterTimestamp(params, now)
	_, err = s.guard.Submit(ctx, ds, q.Query, renderedText, dataTimestamp, execJob.ID, true)
	return err
}

// parameterTimestamp extracts the __timestamp bucket from resolved
// parameters, falling back to the pass time when the query carries none.
func parameterTimestamp(params map[string]any, now time.Time) time.Time {
	switch v := params[catalog.TimestampParameter].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t.UTC()
		}
	}
	return now
}

// publishStatus records the pass outcome in the shared status hash and the
// process metrics. The staleness of last_refresh_at is itself a health
// signal external monitoring alerts on.
func (s *Scheduler) publishStatus(ctx context.Context, count int, queryIDs []int, now time.Time) {
	prevRefresh, err := s.client.HGet(ctx, statusKey, "last_refresh_at").Float64()
	if err == nil && prevRefresh > 0 {
		metrics.UpdateSecondsSinceRefresh(float64(now.Unix()) - prevRefresh)
	}

	ids, _ := json.Marshal(queryIDs)
	if err := s.client.HSet(ctx, statusKey, map[string]any{
		"outdated_queries_count": count,
		"last_refresh_at":        now.Unix(),
		"query_ids":              string(ids),
	}).Err(); err != nil {
		log.Printf("Failed to publish scheduler status: %v", err)
	}

	metrics.UpdateOutdatedQueries(count)
}
