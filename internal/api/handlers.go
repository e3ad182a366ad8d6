// Package api exposes the orchestrator over HTTP: store requests, job
// polling and cancellation, tracker listing, and the joined history read
// path in JSON or CSV.
package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/httputil"
	"github.com/histq/histq/internal/store"
	"github.com/histq/histq/internal/tracker"
)

// AccessChecker decides whether a request may store results with a data
// source. A nil checker allows everything; real deployments plug in the
// application's permission model.
type AccessChecker func(r *http.Request, dataSourceID int) bool

type API struct {
	service *store.Service
	tracker *tracker.Tracker
	access  AccessChecker
	mux     *http.ServeMux
}

type StoreRequestBody struct {
	DataSourceID  int        `json:"data_source_id"`
	QueryID       int        `json:"query_id"`
	QueryText     string     `json:"query_text"`
	DataTimestamp *time.Time `json:"data_timestamp"`
	TaskID        string     `json:"task_id"`
	MaxAge        *int       `json:"max_age"`
	TimeRange     *TimeRange `json:"time_range"`
}

type TimeRange struct {
	ExecuteFrom            time.Time `json:"execute_from"`
	ExecuteTo              time.Time `json:"execute_to"`
	ExecutionIntervalHours int       `json:"execution_interval_hours"`
}

func NewAPI(service *store.Service, storeTracker *tracker.Tracker, access AccessChecker) *API {
	api := &API{
		service: service,
		tracker: storeTracker,
		access:  access,
		mux:     http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/historical_results", a.handleStoreRequest)
	a.mux.HandleFunc("/api/historical_results/", a.handleHistory)
	a.mux.HandleFunc("/api/store_jobs/", a.handleStoreJob)
	a.mux.HandleFunc("/api/trackers", a.handleTrackers)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleStoreRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req StoreRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.DataSourceID == 0 || req.QueryID == 0 {
		httputil.WriteJSONError(w, "data_source_id and query_id are required", http.StatusBadRequest)
		return
	}

	if a.access != nil && !a.access(r, req.DataSourceID) {
		httputil.WriteJobError(w, "You do not have permission to store historical query results with this data source.", http.StatusForbidden)
		return
	}

	if req.TimeRange != nil && req.TaskID == "" {
		resp, err := a.service.RequestStoreOverTimeRange(
			r.Context(),
			req.DataSourceID,
			req.QueryID,
			req.TimeRange.ExecuteFrom,
			req.TimeRange.ExecuteTo,
			req.TimeRange.ExecutionIntervalHours,
		)
		a.writeStoreResponse(w, resp, err)
		return
	}

	maxAge := 0
	if req.MaxAge != nil {
		maxAge = *req.MaxAge
	}

	resp, err := a.service.RequestStore(r.Context(), store.StoreRequest{
		DataSourceID:    req.DataSourceID,
		QueryID:         req.QueryID,
		QueryText:       req.QueryText,
		DataTimestamp:   req.DataTimestamp,
		TriggeringJobID: req.TaskID,
		MaxAge:          maxAge,
	})
	a.writeStoreResponse(w, resp, err)
}

func (a *API) writeStoreResponse(w http.ResponseWriter, resp *store.StoreResponse, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteJSONError(w, "Query or data source not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJobError(w, err.Error(), http.StatusBadRequest)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleHistory serves GET /api/historical_results/{query_id}[/{filetype}]
// and GET /api/historical_results/record/{record_id}.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/historical_results/")
	parts := strings.Split(rest, "/")

	var (
		data *history.QueryData
		err  error
	)
	filetype := "json"

	if parts[0] == "record" && len(parts) >= 2 {
		recordID, parseErr := strconv.ParseInt(parts[1], 10, 64)
		if parseErr != nil {
			httputil.WriteJSONError(w, "Invalid record id", http.StatusBadRequest)
			return
		}
		data, err = a.service.GetHistoryByRecord(r.Context(), recordID)
		if len(parts) >= 3 {
			filetype = parts[2]
		}
	} else {
		queryID, parseErr := strconv.Atoi(parts[0])
		if parseErr != nil {
			httputil.WriteJSONError(w, "Invalid query id", http.StatusBadRequest)
			return
		}
		data, err = a.service.GetHistoryByQuery(r.Context(), queryID)
		if len(parts) >= 2 {
			filetype = parts[1]
		}
	}

	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteJSONError(w, "No stored result found for this query.", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch filetype {
	case "json":
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"historical_query_result": map[string]any{"data": data},
		})
	case "csv":
		a.writeCSV(w, data)
	default:
		httputil.WriteJSONError(w, fmt.Sprintf("Unsupported file type: %s", filetype), http.StatusBadRequest)
	}
}

func (a *API) writeCSV(w http.ResponseWriter, data *history.QueryData) {
	w.Header().Set("Content-Type", "text/csv; charset=UTF-8")

	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := make([]string, 0, len(data.Columns))
	for _, col := range data.Columns {
		header = append(header, col.Name)
	}
	if err := writer.Write(header); err != nil {
		log.Printf("failed to write CSV header: %v", err)
		return
	}

	for _, row := range data.Rows {
		record := make([]string, 0, len(header))
		for _, name := range header {
			record = append(record, formatCell(row[name]))
		}
		if err := writer.Write(record); err != nil {
			log.Printf("failed to write CSV row: %v", err)
			return
		}
	}
}

func formatCell(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// handleStoreJob serves GET and DELETE on /api/store_jobs/{job_id}.
func (a *API) handleStoreJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/store_jobs/")
	if jobID == "" {
		httputil.WriteJSONError(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, err := a.service.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"job": status})
	case http.MethodDelete:
		err := a.service.CancelJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTrackers lists the store tracker buckets for observability.
func (a *API) handleTrackers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := make(map[string][]*tracker.Entry, 3)
	for _, b := range []tracker.Bucket{tracker.BucketWaiting, tracker.BucketInProgress, tracker.BucketDone} {
		entries, err := a.tracker.All(r.Context(), b)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []*tracker.Entry{}
		}
		result[string(b)] = entries
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}
