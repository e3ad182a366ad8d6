// Package catalog provides read-only access to the query and data source
// definitions the orchestrator consumes. The catalog itself is owned by the
// wider BI application; this package only reads it.
package catalog

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// TimestampParameter is the reserved parameter name anchoring a query's
// time-bucketed history.
const TimestampParameter = "__timestamp"

type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type Query struct {
	ID           int
	OrgID        int
	DataSourceID int
	Query        string
	Schedule     string
	Parameters   []Parameter

	// LatestDataTimestamp is the data timestamp of the newest stored
	// snapshot, if any, carried along by OutdatedStoringQueries.
	LatestDataTimestamp *time.Time
	// LatestRetrievedAt is the wall-clock time that snapshot was taken.
	LatestRetrievedAt *time.Time
}

type DataSource struct {
	ID                 int
	OrgID              int
	Name               string
	DSN                string
	QueueName          string
	ScheduledQueueName string
	Paused             bool
	PauseReason        string
}

// ParameterValues flattens a parameter list into the map handed to the
// template renderer.
func ParameterValues(params []Parameter) map[string]any {
	values := make(map[string]any, len(params))
	for _, p := range params {
		values[p.Name] = p.Value
	}
	return values
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DueForRefresh decides whether a recurring query needs a new snapshot. A
// numeric schedule is a TTL in seconds since the last retrieval; anything
// else is parsed as a cron descriptor. A query with no history is always due.
func DueForRefresh(schedule string, latestRetrievedAt *time.Time, now time.Time) bool {
	if schedule == "" {
		return false
	}
	if latestRetrievedAt == nil {
		return true
	}

	if ttl, err := strconv.Atoi(schedule); err == nil {
		return now.Sub(*latestRetrievedAt) >= time.Duration(ttl)*time.Second
	}

	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return false
	}
	return !sched.Next(*latestRetrievedAt).After(now)
}
