// Package history owns the immutable historical result records and the read
// path that joins per-timestamp snapshots into one tabular result.
package history

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

type Column struct {
	Name         string `json:"name"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Type         string `json:"type,omitempty"`
}

// QueryData is the rendered result payload. Its contents are opaque to the
// orchestrator beyond the column list used by the joiner.
type QueryData struct {
	Columns []Column         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Record is an immutable snapshot of one query execution, tagged with the
// logical data timestamp of the bucket it represents. DataTimestamp is
// deliberately distinct from RetrievedAt, the wall-clock time the result was
// actually computed.
type Record struct {
	ID            int64     `json:"id"`
	OrgID         int       `json:"org_id"`
	DataSourceID  int       `json:"data_source_id"`
	QueryHash     string    `json:"query_hash"`
	Query         string    `json:"query"`
	Data          QueryData `json:"data"`
	Runtime       float64   `json:"runtime"`
	RetrievedAt   time.Time `json:"retrieved_at"`
	DataTimestamp time.Time `json:"data_timestamp"`
}

// Hash derives the identity of a query text: md5 over the lower-cased,
// whitespace-collapsed text, so formatting changes do not fork a query's
// history.
func Hash(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
