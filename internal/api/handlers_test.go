package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/store"
)

type fakeCatalog struct{}

func (f *fakeCatalog) GetQueryByID(ctx context.Context, id int) (*catalog.Query, error) {
	if id != 1 {
		return nil, catalog.ErrNotFound
	}
	return &catalog.Query{ID: 1, OrgID: 1, DataSourceID: 7, Query: "SELECT 1"}, nil
}

func (f *fakeCatalog) GetDataSourceByID(ctx context.Context, id, orgID int) (*catalog.DataSource, error) {
	if id != 7 {
		return nil, catalog.ErrNotFound
	}
	return &catalog.DataSource{ID: 7, OrgID: 1, Name: "warehouse"}, nil
}

type fakeEngine struct{}

func (f *fakeEngine) SubmitExecution(ctx context.Context, renderedText string, ds *catalog.DataSource, scheduled bool, metadata map[string]any) (*job.Job, error) {
	return job.New(job.TypeExecuteQuery, queue.DefaultQueue, nil), nil
}

func (f *fakeEngine) LatestResult(ctx context.Context, dataSourceID int, renderedText string) (*engine.Result, error) {
	return nil, engine.ErrNoResult
}

func (f *fakeEngine) IsInProgress(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

type testAPI struct {
	api   *API
	guard *dedup.Guard
	queue *queue.Queue
	mock  sqlmock.Sqlmock
}

func setupTestAPI(t *testing.T, access AccessChecker) *testAPI {
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

	guard := dedup.NewGuard(q, 0)
	svc := store.NewService(&fakeCatalog{}, &fakeEngine{}, guard, history.NewStoreWithDB(db), q)

	return &testAPI{
		api:   NewAPI(svc, guard.Tracker(), access),
		guard: guard,
		queue: q,
		mock:  mock,
	}
}

func postStoreRequest(t *testing.T, api *API, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/historical_results", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func TestHandleStoreRequest(t *testing.T) {
	t.Run("enqueues store job", func(t *testing.T) {
		ta := setupTestAPI(t, nil)

		rec := postStoreRequest(t, ta.api, map[string]any{
			"data_source_id": 7,
			"query_id":       1,
		})

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Job *store.JobStatus `json:"job"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Job)
		assert.Equal(t, job.StatusPending.Code(), resp.Job.Status)
	})

	t.Run("missing ids", func(t *testing.T) {
		ta := setupTestAPI(t, nil)

		rec := postStoreRequest(t, ta.api, map[string]any{"query_id": 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown query", func(t *testing.T) {
		ta := setupTestAPI(t, nil)

		rec := postStoreRequest(t, ta.api, map[string]any{
			"data_source_id": 7,
			"query_id":       99,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		ta := setupTestAPI(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/historical_results", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		ta := setupTestAPI(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/historical_results", nil)
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleStoreRequest_AccessDenied(t *testing.T) {
	denyAll := func(r *http.Request, dataSourceID int) bool { return false }
	ta := setupTestAPI(t, denyAll)

	rec := postStoreRequest(t, ta.api, map[string]any{
		"data_source_id": 7,
		"query_id":       1,
	})

	require.Equal(t, http.StatusForbidden, rec.Code)

	// Denials use the job-shaped error envelope clients poll against.
	var resp struct {
		Job struct {
			Status int    `json:"status"`
			Error  string `json:"error"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Job.Status)
	assert.Contains(t, resp.Job.Error, "permission")
}

func TestHandleStoreRequest_TimeRange(t *testing.T) {
	ta := setupTestAPI(t, nil)

	rec := postStoreRequest(t, ta.api, map[string]any{
		"data_source_id": 7,
		"query_id":       1,
		"time_range": map[string]any{
			"execute_from":             "2024-03-01T00:00:00Z",
			"execute_to":               "2024-03-01T06:00:00Z",
			"execution_interval_hours": 6,
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)

	jobs, err := ta.queue.All(context.Background())
	require.NoError(t, err)

	var storeJobs int
	for _, j := range jobs {
		if j.Type == job.TypeStoreSnapshot {
			storeJobs++
		}
	}
	assert.Equal(t, 2, storeJobs)
}

func TestHandleStoreJob(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ctx := context.Background()

	rec := postStoreRequest(t, ta.api, map[string]any{
		"data_source_id": 7,
		"query_id":       1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var created struct {
		Job *store.JobStatus `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobID := created.Job.ID

	t.Run("get job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/store_jobs/"+jobID, nil)
		getRec := httptest.NewRecorder()
		ta.api.ServeHTTP(getRec, req)

		require.Equal(t, http.StatusOK, getRec.Code)

		var resp struct {
			Job *store.JobStatus `json:"job"`
		}
		require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
		assert.Equal(t, jobID, resp.Job.ID)
	})

	t.Run("get unknown job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/store_jobs/missing", nil)
		getRec := httptest.NewRecorder()
		ta.api.ServeHTTP(getRec, req)
		assert.Equal(t, http.StatusNotFound, getRec.Code)
	})

	t.Run("cancel job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/store_jobs/"+jobID, nil)
		delRec := httptest.NewRecorder()
		ta.api.ServeHTTP(delRec, req)
		require.Equal(t, http.StatusNoContent, delRec.Code)

		cancelled, err := ta.queue.Get(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, cancelled.Status)
	})
}

func historyRows(retrievedAt time.Time) *sqlmock.Rows {
	data, _ := json.Marshal(history.QueryData{
		Columns: []history.Column{{Name: "count"}},
		Rows:    []map[string]any{{"count": 10}},
	})
	return sqlmock.NewRows([]string{
		"id", "org_id", "data_source_id", "query_hash", "query",
		"data", "runtime", "retrieved_at", "data_timestamp",
	}).AddRow(
		int64(1), 1, 7, "hash", "SELECT 1",
		data, 1.0, retrievedAt, retrievedAt,
	)
}

func TestHandleHistory(t *testing.T) {
	t.Run("json result", func(t *testing.T) {
		ta := setupTestAPI(t, nil)
		ta.mock.ExpectQuery("SELECT.*FROM historical_query_results").
			WillReturnRows(historyRows(time.Now().UTC()))

		req := httptest.NewRequest(http.MethodGet, "/api/historical_results/1", nil)
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			HistoricalQueryResult struct {
				Data *history.QueryData `json:"data"`
			} `json:"historical_query_result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.HistoricalQueryResult.Data)
		assert.Len(t, resp.HistoricalQueryResult.Data.Rows, 1)
	})

	t.Run("csv result", func(t *testing.T) {
		ta := setupTestAPI(t, nil)
		ta.mock.ExpectQuery("SELECT.*FROM historical_query_results").
			WillReturnRows(historyRows(time.Now().UTC()))

		req := httptest.NewRequest(http.MethodGet, "/api/historical_results/1/csv", nil)
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
		assert.Contains(t, rec.Body.String(), "count,data_timestamp")
	})

	t.Run("no snapshots", func(t *testing.T) {
		ta := setupTestAPI(t, nil)
		ta.mock.ExpectQuery("SELECT.*FROM historical_query_results").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "org_id", "data_source_id", "query_hash", "query",
				"data", "runtime", "retrieved_at", "data_timestamp",
			}))

		req := httptest.NewRequest(http.MethodGet, "/api/historical_results/1", nil)
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("by record id", func(t *testing.T) {
		ta := setupTestAPI(t, nil)
		retrievedAt := time.Now().UTC()
		ta.mock.ExpectQuery("SELECT.*FROM historical_query_results.*WHERE id").
			WillReturnRows(historyRows(retrievedAt))
		ta.mock.ExpectQuery("SELECT.*FROM historical_query_results").
			WillReturnRows(historyRows(retrievedAt))

		req := httptest.NewRequest(http.MethodGet, "/api/historical_results/record/1", nil)
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid query id", func(t *testing.T) {
		ta := setupTestAPI(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/historical_results/abc", nil)
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsupported file type", func(t *testing.T) {
		ta := setupTestAPI(t, nil)
		ta.mock.ExpectQuery("SELECT.*FROM historical_query_results").
			WillReturnRows(historyRows(time.Now().UTC()))

		req := httptest.NewRequest(http.MethodGet, "/api/historical_results/1/xlsx", nil)
		rec := httptest.NewRecorder()
		ta.api.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleTrackers(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ctx := context.Background()

	// Two store submissions land in the waiting bucket.
	for i := 0; i < 2; i++ {
		rec := postStoreRequest(t, ta.api, map[string]any{
			"data_source_id": 7,
			"query_id":       1,
			"query_text":     fmt.Sprintf("SELECT %d", i),
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/trackers", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ta.api.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["waiting"], 2)
	assert.Empty(t, resp["in_progress"])
	assert.Empty(t, resp["done"])
}

func TestFormatCell(t *testing.T) {
	assert.Equal(t, "", formatCell(nil))
	assert.Equal(t, "hello", formatCell("hello"))
	assert.Equal(t, "1.5", formatCell(1.5))
	assert.Equal(t, "42", formatCell(42))

	ts := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-15T12:00:00Z", formatCell(ts))
}
