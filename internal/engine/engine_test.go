package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/tracker"
)

func setupTestEngine(t *testing.T) (*QueueEngine, *queue.Queue, sqlmock.Sqlmock) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := queue.NewQueue(mr.Addr())
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		_ = q.Close()
		mr.Close()
	})

	return NewQueueEngine(q, NewResultStoreWithDB(db)), q, mock
}

func TestExecutionQueue(t *testing.T) {
	ds := &catalog.DataSource{ID: 7}

	assert.Equal(t, queue.DefaultQueue, ExecutionQueue(ds, false))
	assert.Equal(t, queue.ScheduledQueue, ExecutionQueue(ds, true))

	ds.QueueName = "warehouse"
	ds.ScheduledQueueName = "scheduled_warehouse"
	assert.Equal(t, "warehouse", ExecutionQueue(ds, false))
	assert.Equal(t, "scheduled_warehouse", ExecutionQueue(ds, true))
}

func TestSubmitExecution(t *testing.T) {
	eng, q, _ := setupTestEngine(t)
	ctx := context.Background()

	ds := &catalog.DataSource{ID: 7, OrgID: 1}
	j, err := eng.SubmitExecution(ctx, "SELECT 1", ds, false, map[string]any{"query_id": 3})
	require.NoError(t, err)

	assert.Equal(t, job.TypeExecuteQuery, j.Type)
	assert.Equal(t, queue.DefaultQueue, j.Queue)
	assert.Equal(t, "SELECT 1", j.PayloadString("query"))

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, stored.ID)

	entry, err := eng.Tracker().GetByTaskID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateCreated, entry.State)
	assert.Equal(t, history.Hash("SELECT 1"), entry.QueryHash)
}

func TestIsInProgress(t *testing.T) {
	eng, _, _ := setupTestEngine(t)
	ctx := context.Background()

	ds := &catalog.DataSource{ID: 7, OrgID: 1}
	j, err := eng.SubmitExecution(ctx, "SELECT 1", ds, false, nil)
	require.NoError(t, err)

	inProgress, err := eng.IsInProgress(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, inProgress)

	entry, err := eng.Tracker().GetByTaskID(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, eng.Tracker().Start(ctx, entry))

	inProgress, err = eng.IsInProgress(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, inProgress)
}

func TestResultStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewResultStoreWithDB(db)
	ctx := context.Background()

	t.Run("save result", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO query_results").
			WithArgs(1, 7, history.Hash("SELECT 1"), "SELECT 1", sqlmock.AnyArg(), 1.5, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

		id, err := store.Save(ctx, 7, 1, "SELECT 1", history.QueryData{}, 1.5, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, int64(9), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("latest result", func(t *testing.T) {
		data, _ := json.Marshal(history.QueryData{
			Columns: []history.Column{{Name: "n"}},
			Rows:    []map[string]any{{"n": 1}},
		})
		retrievedAt := time.Now().UTC()

		mock.ExpectQuery("SELECT.*FROM query_results.*ORDER BY retrieved_at DESC").
			WithArgs(7, "hash").
			WillReturnRows(sqlmock.NewRows([]string{"id", "data", "runtime", "retrieved_at"}).
				AddRow(int64(9), data, 1.5, retrievedAt))

		r, err := store.Latest(ctx, 7, "hash")
		require.NoError(t, err)
		assert.Equal(t, int64(9), r.ID)
		require.Len(t, r.Data.Rows, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no result", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM query_results.*ORDER BY retrieved_at DESC").
			WithArgs(7, "missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.Latest(ctx, 7, "missing")
		assert.ErrorIs(t, err, ErrNoResult)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

type fakeHandlerCatalog struct {
	ds *catalog.DataSource
}

func (f *fakeHandlerCatalog) GetDataSourceByID(ctx context.Context, id, orgID int) (*catalog.DataSource, error) {
	if f.ds == nil {
		return nil, errors.New("data source not found")
	}
	return f.ds, nil
}

type fakeRunner struct {
	data history.QueryData
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, ds *catalog.DataSource, renderedText string) (history.QueryData, error) {
	return f.data, f.err
}

func TestExecutionHandler(t *testing.T) {
	ctx := context.Background()

	executionJob := func() *job.Job {
		return job.New(job.TypeExecuteQuery, queue.DefaultQueue, map[string]any{
			"query":          "SELECT 1",
			"data_source_id": 7,
			"org_id":         1,
		})
	}

	t.Run("runs query and saves result", func(t *testing.T) {
		eng, _, mock := setupTestEngine(t)
		cat := &fakeHandlerCatalog{ds: &catalog.DataSource{ID: 7, OrgID: 1}}
		runner := &fakeRunner{data: history.QueryData{Rows: []map[string]any{{"n": 1}}}}

		mock.ExpectQuery("INSERT INTO query_results").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

		j := executionJob()
		result, err := ExecutionHandler(eng, cat, runner)(ctx, j)
		require.NoError(t, err)
		assert.Equal(t, "5", result)
		assert.NoError(t, mock.ExpectationsWereMet())

		entry, err := eng.Tracker().GetByTaskID(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, tracker.StateFinished, entry.State)
	})

	t.Run("runner failure leaves entry resumable", func(t *testing.T) {
		eng, _, _ := setupTestEngine(t)
		cat := &fakeHandlerCatalog{ds: &catalog.DataSource{ID: 7, OrgID: 1}}
		runner := &fakeRunner{err: errors.New("source unreachable")}

		j := executionJob()
		_, err := ExecutionHandler(eng, cat, runner)(ctx, j)
		assert.ErrorContains(t, err, "source unreachable")

		entry, err := eng.Tracker().GetByTaskID(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, tracker.StateStarted, entry.State)
	})

	t.Run("retry after runner failure succeeds", func(t *testing.T) {
		eng, _, mock := setupTestEngine(t)
		cat := &fakeHandlerCatalog{ds: &catalog.DataSource{ID: 7, OrgID: 1}}
		runner := &fakeRunner{err: errors.New("source unreachable")}
		handler := ExecutionHandler(eng, cat, runner)

		j := executionJob()
		_, err := handler(ctx, j)
		require.Error(t, err)

		// Worker re-delivers the same job; the runner recovers.
		runner.err = nil
		runner.data = history.QueryData{Rows: []map[string]any{{"n": 1}}}
		mock.ExpectQuery("INSERT INTO query_results").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		result, err := handler(ctx, j)
		require.NoError(t, err)
		assert.Equal(t, "42", result)

		entry, err := eng.Tracker().GetByTaskID(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, tracker.StateFinished, entry.State)
	})

	t.Run("missing payload fields", func(t *testing.T) {
		eng, _, _ := setupTestEngine(t)
		cat := &fakeHandlerCatalog{}
		handler := ExecutionHandler(eng, cat, &fakeRunner{})

		_, err := handler(ctx, job.New(job.TypeExecuteQuery, queue.DefaultQueue, map[string]any{
			"data_source_id": 7, "org_id": 1,
		}))
		assert.ErrorContains(t, err, "query")

		_, err = handler(ctx, job.New(job.TypeExecuteQuery, queue.DefaultQueue, map[string]any{
			"query": "SELECT 1",
		}))
		assert.ErrorContains(t, err, "data_source_id")
	})
}
