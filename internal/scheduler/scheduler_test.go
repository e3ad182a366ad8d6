package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/queue"
)

type fakeCatalog struct {
	queries     []*catalog.Query
	dataSources map[int]*catalog.DataSource
	listErr     error
}

func (f *fakeCatalog) OutdatedStoringQueries(ctx context.Context, now time.Time) ([]*catalog.Query, error) {
	return f.queries, f.listErr
}

func (f *fakeCatalog) GetDataSourceByID(ctx context.Context, id, orgID int) (*catalog.DataSource, error) {
	ds, ok := f.dataSources[id]
	if !ok {
		return nil, errors.New("data source not found")
	}
	return ds, nil
}

type fakeEngine struct {
	submissions []string
}

func (f *fakeEngine) SubmitExecution(ctx context.Context, renderedText string, ds *catalog.DataSource, scheduled bool, metadata map[string]any) (*job.Job, error) {
	f.submissions = append(f.submissions, renderedText)
	return job.New(job.TypeExecuteQuery, queue.ScheduledQueue, map[string]any{"query": renderedText}), nil
}

func (f *fakeEngine) LatestResult(ctx context.Context, dataSourceID int, renderedText string) (*engine.Result, error) {
	return nil, errors.New("no result")
}

func (f *fakeEngine) IsInProgress(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

func setupTestScheduler(t *testing.T, cat *fakeCatalog) (*Scheduler, *fakeEngine, *queue.Queue) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := queue.NewQueue(mr.Addr())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = q.Close()
		mr.Close()
	})

	eng := &fakeEngine{}
	guard := dedup.NewGuard(q, 0)
	return New(cat, eng, guard, q.Client()), eng, q
}

func storingQuery(id int) *catalog.Query {
	return &catalog.Query{
		ID:           id,
		OrgID:        1,
		DataSourceID: 7,
		Query:        "SELECT count(*) FROM events WHERE day = '{{__timestamp}}'",
		Schedule:     "3600",
		Parameters:   []catalog.Parameter{{Name: catalog.TimestampParameter, Value: "2024-03-15T12:00:00Z"}},
	}
}

func TestRefreshOutdated_SubmitsExecutionAndStoreJob(t *testing.T) {
	cat := &fakeCatalog{
		queries:     []*catalog.Query{storingQuery(1)},
		dataSources: map[int]*catalog.DataSource{7: {ID: 7, OrgID: 1, Name: "warehouse"}},
	}
	s, eng, q := setupTestScheduler(t, cat)
	ctx := context.Background()

	require.NoError(t, s.RefreshOutdated(ctx))

	require.Len(t, eng.submissions, 1)
	assert.Contains(t, eng.submissions[0], "day = '2024-03-15T12:00:00Z'")

	jobs, err := q.All(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.TypeStoreSnapshot, jobs[0].Type)
	assert.Equal(t, queue.ScheduledQueue, jobs[0].Queue)
	assert.Equal(t, "2024-03-15T12:00:00Z", jobs[0].PayloadString("data_timestamp"))
	assert.NotEmpty(t, jobs[0].PayloadString("query_task_id"))
}

func TestRefreshOutdated_TimestampOverride(t *testing.T) {
	q1 := storingQuery(1)
	latest := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	q1.LatestDataTimestamp = &latest

	cat := &fakeCatalog{
		queries:     []*catalog.Query{q1},
		dataSources: map[int]*catalog.DataSource{7: {ID: 7, OrgID: 1, Name: "warehouse"}},
	}
	s, eng, q := setupTestScheduler(t, cat)
	ctx := context.Background()

	require.NoError(t, s.RefreshOutdated(ctx))

	// Numeric 3600 schedule advances the latest bucket by an hour.
	require.Len(t, eng.submissions, 1)
	assert.Contains(t, eng.submissions[0], "day = '2024-03-15T11:00:00Z'")

	jobs, err := q.All(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "2024-03-15T11:00:00Z", jobs[0].PayloadString("data_timestamp"))
}

func TestRefreshOutdated_SkipsPausedDataSource(t *testing.T) {
	cat := &fakeCatalog{
		queries: []*catalog.Query{storingQuery(1)},
		dataSources: map[int]*catalog.DataSource{
			7: {ID: 7, OrgID: 1, Name: "warehouse", Paused: true, PauseReason: "maintenance"},
		},
	}
	s, eng, q := setupTestScheduler(t, cat)
	ctx := context.Background()

	require.NoError(t, s.RefreshOutdated(ctx))

	assert.Empty(t, eng.submissions)
	jobs, err := q.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRefreshOutdated_RefreshDisabledStillCounts(t *testing.T) {
	cat := &fakeCatalog{
		queries:     []*catalog.Query{storingQuery(1), storingQuery(2)},
		dataSources: map[int]*catalog.DataSource{7: {ID: 7, OrgID: 1, Name: "warehouse"}},
	}
	s, eng, q := setupTestScheduler(t, cat)
	s.SetRefreshDisabled(true)
	ctx := context.Background()

	require.NoError(t, s.RefreshOutdated(ctx))

	assert.Empty(t, eng.submissions)
	jobs, err := q.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	count, err := q.Client().HGet(ctx, statusKey, "outdated_queries_count").Int()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRefreshOutdated_PublishesStatus(t *testing.T) {
	cat := &fakeCatalog{
		queries:     []*catalog.Query{storingQuery(3)},
		dataSources: map[int]*catalog.DataSource{7: {ID: 7, OrgID: 1, Name: "warehouse"}},
	}
	s, _, q := setupTestScheduler(t, cat)
	ctx := context.Background()

	require.NoError(t, s.RefreshOutdated(ctx))

	status, err := q.Client().HGetAll(ctx, statusKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "1", status["outdated_queries_count"])
	assert.Equal(t, "[3]", status["query_ids"])
	assert.NotEmpty(t, status["last_refresh_at"])
}

func TestRefreshOutdated_CatalogError(t *testing.T) {
	cat := &fakeCatalog{listErr: errors.New("catalog unavailable")}
	s, _, _ := setupTestScheduler(t, cat)

	assert.Error(t, s.RefreshOutdated(context.Background()))
}

func TestRefreshOutdated_MissingDataSourceDoesNotAbortBatch(t *testing.T) {
	q1 := storingQuery(1)
	q2 := storingQuery(2)
	q1.DataSourceID = 99 // no such data source

	cat := &fakeCatalog{
		queries:     []*catalog.Query{q1, q2},
		dataSources: map[int]*catalog.DataSource{7: {ID: 7, OrgID: 1, Name: "warehouse"}},
	}
	s, eng, _ := setupTestScheduler(t, cat)

	require.NoError(t, s.RefreshOutdated(context.Background()))
	assert.Len(t, eng.submissions, 1)
}
